package pionengine

import (
	"io"
	"os"
	"time"

	"github.com/frostbyte73/core"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
	"go.uber.org/atomic"

	"github.com/peerdial/peerdial/pkg/engine"
	"github.com/peerdial/peerdial/pkg/logger"
)

const (
	localStreamID      = "peerdial"
	audioFrameDuration = 20 * time.Millisecond
	opusSampleRate     = 48000
)

// opus DTX silence frame, keeps the audio timeline alive without a file
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// MediaSource names the files the local tracks replay. Without an audio
// file the audio track carries silence; without a video file the video
// track stays idle.
type MediaSource struct {
	// AudioFile is an Ogg container holding a single opus stream.
	AudioFile string
	// VideoFile is an IVF container holding a VP8 stream.
	VideoFile string
}

// localMedia owns the outgoing tracks and their replay goroutines.
// Enable and capture toggles gate writes rather than tearing tracks
// down, matching renegotiation-free mute semantics.
type localMedia struct {
	logger logger.Logger
	source MediaSource

	audioTrack *webrtc.TrackLocalStaticSample
	videoTrack *webrtc.TrackLocalStaticSample

	audioEnabled atomic.Bool
	videoEnabled atomic.Bool
	capturing    atomic.Bool

	done core.Fuse
}

func newLocalMedia(source MediaSource, l logger.Logger) *localMedia {
	m := &localMedia{
		logger: l,
		source: source,
	}
	m.audioEnabled.Store(true)
	m.videoEnabled.Store(true)
	return m
}

func (m *localMedia) attach(pc *webrtc.PeerConnection, spec engine.MediaSpec) error {
	if spec.Audio {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusSampleRate, Channels: 2},
			"audio0", localStreamID,
		)
		if err != nil {
			return err
		}
		sender, err := pc.AddTrack(track)
		if err != nil {
			return err
		}
		go discardSenderReports(sender)
		m.audioTrack = track

		if len(spec.AudioConstraints.Mandatory) > 0 {
			// capture-side processing toggles have no effect on replay
			m.logger.Debugw("audio processing constraints ignored for sample replay",
				"constraints", len(spec.AudioConstraints.Mandatory))
		}
		go m.pumpAudio()
	}

	if spec.Video {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video0", localStreamID,
		)
		if err != nil {
			return err
		}
		sender, err := pc.AddTrack(track)
		if err != nil {
			return err
		}
		go discardSenderReports(sender)
		m.videoTrack = track
		m.capturing.Store(true)

		m.logger.Debugw("video capture format",
			"width", spec.VideoWidth, "height", spec.VideoHeight, "fps", spec.VideoFps)
		go m.pumpVideo()
	}

	return nil
}

func (m *localMedia) setAudioEnabled(enabled bool) {
	m.audioEnabled.Store(enabled)
}

func (m *localMedia) setVideoEnabled(enabled bool) {
	m.videoEnabled.Store(enabled)
}

func (m *localMedia) stopCapture() {
	m.capturing.Store(false)
}

func (m *localMedia) startCapture() {
	m.capturing.Store(true)
}

func (m *localMedia) hasAudio() bool {
	return m.audioTrack != nil
}

func (m *localMedia) hasVideo() bool {
	return m.videoTrack != nil
}

func (m *localMedia) close() {
	m.done.Break()
}

func (m *localMedia) pumpAudio() {
	if m.source.AudioFile == "" {
		m.pumpSilence()
		return
	}
	if err := m.replayOgg(); err != nil {
		m.logger.Warnw("audio replay stopped", err, "file", m.source.AudioFile)
		m.pumpSilence()
	}
}

func (m *localMedia) pumpSilence() {
	ticker := time.NewTicker(audioFrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-m.done.Watch():
			return
		case <-ticker.C:
		}

		if !m.audioEnabled.Load() {
			continue
		}
		if err := m.audioTrack.WriteSample(media.Sample{Data: opusSilence, Duration: audioFrameDuration}); err != nil {
			return
		}
	}
}

// replayOgg paces pages by opus granule position and loops the file for
// as long as the call runs. A muted track keeps consuming the file so
// unmuting resumes at the live position.
func (m *localMedia) replayOgg() error {
	file, err := os.Open(m.source.AudioFile)
	if err != nil {
		return err
	}
	defer file.Close()

	reader, _, err := oggreader.NewWith(file)
	if err != nil {
		return err
	}

	var lastGranule uint64
	for {
		if m.done.IsBroken() {
			return nil
		}

		page, header, err := reader.ParseNextPage()
		if err == io.EOF {
			if _, err = file.Seek(0, io.SeekStart); err != nil {
				return err
			}
			if reader, _, err = oggreader.NewWith(file); err != nil {
				return err
			}
			lastGranule = 0
			continue
		}
		if err != nil {
			return err
		}

		sampleCount := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		duration := time.Duration(sampleCount) * time.Second / opusSampleRate

		if m.audioEnabled.Load() {
			if err = m.audioTrack.WriteSample(media.Sample{Data: page, Duration: duration}); err != nil {
				return err
			}
		}
		time.Sleep(duration)
	}
}

func (m *localMedia) pumpVideo() {
	if m.source.VideoFile == "" {
		return
	}
	if err := m.replayIVF(); err != nil {
		m.logger.Warnw("video replay stopped", err, "file", m.source.VideoFile)
	}
}

// replayIVF paces frames by the container timebase. A stopped capturer
// or disabled track skips frames without advancing the file.
func (m *localMedia) replayIVF() error {
	file, err := os.Open(m.source.VideoFile)
	if err != nil {
		return err
	}
	defer file.Close()

	reader, header, err := ivfreader.NewWith(file)
	if err != nil {
		return err
	}

	frameDuration := time.Millisecond * time.Duration(
		float64(header.TimebaseNumerator)/float64(header.TimebaseDenominator)*1000)

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-m.done.Watch():
			return nil
		case <-ticker.C:
		}

		if !m.capturing.Load() || !m.videoEnabled.Load() {
			continue
		}

		frame, _, err := reader.ParseNextFrame()
		if err == io.EOF {
			if _, err = file.Seek(0, io.SeekStart); err != nil {
				return err
			}
			if reader, _, err = ivfreader.NewWith(file); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}

		if err = m.videoTrack.WriteSample(media.Sample{Data: frame, Duration: frameDuration}); err != nil {
			return err
		}
	}
}

// senders must be drained for the interceptor chain to process RTCP.
func discardSenderReports(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
