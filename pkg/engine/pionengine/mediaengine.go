package pionengine

import (
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
)

// pion has no mime type constant for ISAC.
const mimeTypeISAC = "audio/ISAC"

// registerCodecs announces the codec set peers expect from a browser
// endpoint, under the payload numbers browsers conventionally assign.
// The codec preference rewrites upstream depend on ISAC, VP8, VP9 and
// H264 all being offered.
func registerCodecs(me *webrtc.MediaEngine) error {
	for _, p := range []webrtc.RTPCodecParameters{
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    webrtc.MimeTypeOpus,
				ClockRate:   48000,
				Channels:    2,
				SDPFmtpLine: "minptime=10;useinbandfec=1",
			},
			PayloadType: 111,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: mimeTypeISAC, ClockRate: 16000},
			PayloadType:        103,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: mimeTypeISAC, ClockRate: 32000},
			PayloadType:        104,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeG722, ClockRate: 8000},
			PayloadType:        9,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000},
			PayloadType:        0,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMA, ClockRate: 8000},
			PayloadType:        8,
		},
	} {
		if err := me.RegisterCodec(p, webrtc.RTPCodecTypeAudio); err != nil {
			return err
		}
	}

	// nack, pli and transport-cc feedback come from the default
	// interceptor configuration; only REMB needs declaring here.
	videoFeedback := []webrtc.RTCPFeedback{
		{Type: webrtc.TypeRTCPFBGoogREMB},
	}
	for _, p := range []webrtc.RTPCodecParameters{
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     webrtc.MimeTypeVP8,
				ClockRate:    90000,
				RTCPFeedback: videoFeedback,
			},
			PayloadType: 96,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     webrtc.MimeTypeVP9,
				ClockRate:    90000,
				SDPFmtpLine:  "profile-id=0",
				RTCPFeedback: videoFeedback,
			},
			PayloadType: 98,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     webrtc.MimeTypeH264,
				ClockRate:    90000,
				SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42001f",
				RTCPFeedback: videoFeedback,
			},
			PayloadType: 102,
		},
	} {
		if err := me.RegisterCodec(p, webrtc.RTPCodecTypeVideo); err != nil {
			return err
		}
	}

	return nil
}

func registerHeaderExtensions(me *webrtc.MediaEngine) error {
	for _, uri := range []string{sdp.SDESMidURI, sdp.AudioLevelURI} {
		if err := me.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: uri}, webrtc.RTPCodecTypeAudio); err != nil {
			return err
		}
	}

	return me.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: sdp.ABSSendTimeURI}, webrtc.RTPCodecTypeVideo)
}

func createMediaEngine() (*webrtc.MediaEngine, error) {
	me := &webrtc.MediaEngine{}
	if err := registerCodecs(me); err != nil {
		return nil, err
	}

	if err := registerHeaderExtensions(me); err != nil {
		return nil, err
	}

	return me, nil
}
