package rtc

import (
	"github.com/peerdial/peerdial/pkg/engine"
	"github.com/peerdial/peerdial/pkg/sdp"
)

const (
	hdVideoWidth   = 1280
	hdVideoHeight  = 720
	maxVideoWidth  = 1280
	maxVideoHeight = 1280
	maxVideoFps    = 30

	defaultQueueSize = 64

	// constraint keys understood by the engine's audio pipeline
	audioEchoCancellationConstraint = "googEchoCancellation"
	audioAutoGainControlConstraint  = "googAutoGainControl"
	audioHighPassFilterConstraint   = "googHighpassFilter"
	audioNoiseSuppressionConstraint = "googNoiseSuppression"
	audioLevelControlConstraint     = "levelControl"
)

// Params fixes per-call behavior at construction time. Zero values give
// an audio-only call with default codecs.
type Params struct {
	VideoCallEnabled bool
	Loopback         bool

	VideoWidth      int
	VideoHeight     int
	VideoFps        int
	VideoMaxBitrate int
	VideoCodec      string

	AudioStartBitrate int
	AudioCodec        string

	NoAudioProcessing  bool
	EnableLevelControl bool

	// TranscriptPath enables the negotiation transcript recorder.
	TranscriptPath string

	// StatsIntervalMs > 0 starts periodic statistics polling once the
	// connection is open.
	StatsIntervalMs int

	// DisconnectDebounce in milliseconds. Zero reports ICE disconnects
	// immediately.
	DisconnectDebounceMs int
}

// preferredVideoCodec resolves the configured name against the supported
// set, defaulting to VP8. Unknown names fall back rather than error.
func (p *Params) preferredVideoCodec() string {
	codec := sdp.VideoCodecVP8
	if p.VideoCallEnabled && p.VideoCodec != "" {
		switch p.VideoCodec {
		case sdp.VideoCodecVP9:
			codec = sdp.VideoCodecVP9
		case sdp.VideoCodecH264:
			codec = sdp.VideoCodecH264
		}
	}
	return codec
}

func (p *Params) preferIsac() bool {
	return p.AudioCodec == sdp.AudioCodecISAC
}

// resolvedVideoFormat applies the HD default and the hardware ceiling.
func (p *Params) resolvedVideoFormat() (width, height, fps int) {
	width, height, fps = p.VideoWidth, p.VideoHeight, p.VideoFps
	if width == 0 || height == 0 {
		width = hdVideoWidth
		height = hdVideoHeight
	}
	if fps == 0 {
		fps = maxVideoFps
	}
	width = min(width, maxVideoWidth)
	height = min(height, maxVideoHeight)
	fps = min(fps, maxVideoFps)
	return
}

// IsHDVideo reports whether the resolved capture format is at least 720p.
func (p *Params) IsHDVideo() bool {
	if !p.VideoCallEnabled {
		return false
	}
	width, height, _ := p.resolvedVideoFormat()
	return width*height >= hdVideoWidth*hdVideoHeight
}

func (p *Params) audioConstraints() engine.MediaConstraints {
	var mc engine.MediaConstraints
	if p.NoAudioProcessing {
		mc.AddMandatory(audioEchoCancellationConstraint, "false")
		mc.AddMandatory(audioAutoGainControlConstraint, "false")
		mc.AddMandatory(audioHighPassFilterConstraint, "false")
		mc.AddMandatory(audioNoiseSuppressionConstraint, "false")
	}
	if p.EnableLevelControl {
		mc.AddMandatory(audioLevelControlConstraint, "true")
	}
	return mc
}

// offerAnswerConstraints drives offer/answer synthesis. Loopback always
// asks to receive video so a video call can loop back to itself.
func (p *Params) offerAnswerConstraints() engine.MediaConstraints {
	var mc engine.MediaConstraints
	mc.AddMandatory(engine.OfferToReceiveAudioConstraint, "true")
	if p.VideoCallEnabled || p.Loopback {
		mc.AddMandatory(engine.OfferToReceiveVideoConstraint, "true")
	} else {
		mc.AddMandatory(engine.OfferToReceiveVideoConstraint, "false")
	}
	return mc
}
