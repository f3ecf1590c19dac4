package pionengine

import (
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"

	"github.com/peerdial/peerdial/pkg/engine"
)

const pliInterval = 3 * time.Second

// handleTrack groups incoming tracks by stream id. Tracks surface one
// at a time, so a stream is announced when its first track starts and
// withdrawn when its last track ends.
func (e *PionEngine) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	streamID := track.StreamID()

	e.lock.Lock()
	rec, known := e.remoteStreams[streamID]
	if !known {
		rec = &remoteStream{}
		e.remoteStreams[streamID] = rec
	}
	switch track.Kind() {
	case webrtc.RTPCodecTypeAudio:
		rec.audio++
	case webrtc.RTPCodecTypeVideo:
		rec.video++
	}
	snapshot := engine.MediaStream{ID: streamID, AudioTracks: rec.audio, VideoTracks: rec.video}
	e.lock.Unlock()

	e.logger.Debugw("remote track started",
		"stream", streamID, "kind", track.Kind().String(), "codec", track.Codec().MimeType)

	if !known {
		e.cbLock.RLock()
		f := e.onStreamAdded
		e.cbLock.RUnlock()
		if f != nil {
			f(snapshot)
		}
	}

	go e.consumeTrack(track)
}

// consumeTrack drains a remote track so the interceptor chain keeps
// producing receiver stats. Samples are not decoded; this endpoint only
// terminates the transport.
func (e *PionEngine) consumeTrack(track *webrtc.TrackRemote) {
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go e.sendPLI(track.SSRC())
	}

	for {
		if _, _, err := track.ReadRTP(); err != nil {
			break
		}
	}

	e.trackEnded(track)
}

// sendPLI periodically requests keyframes so a late-joining recorder or
// loopback renderer can always resynchronize.
func (e *PionEngine) sendPLI(ssrc webrtc.SSRC) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.closed.Watch():
			return
		case <-ticker.C:
			pkt := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)}}
			if err := e.pc.WriteRTCP(pkt); err != nil {
				return
			}
		}
	}
}

func (e *PionEngine) trackEnded(track *webrtc.TrackRemote) {
	streamID := track.StreamID()

	e.lock.Lock()
	rec, known := e.remoteStreams[streamID]
	if !known {
		e.lock.Unlock()
		return
	}
	switch track.Kind() {
	case webrtc.RTPCodecTypeAudio:
		rec.audio--
	case webrtc.RTPCodecTypeVideo:
		rec.video--
	}
	ended := rec.audio <= 0 && rec.video <= 0
	if ended {
		delete(e.remoteStreams, streamID)
	}
	e.lock.Unlock()

	if !ended || e.closed.IsBroken() {
		return
	}

	e.cbLock.RLock()
	f := e.onStreamRemoved
	e.cbLock.RUnlock()
	if f != nil {
		f(engine.MediaStream{ID: streamID})
	}
}
