package rtc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/peerdial/peerdial/pkg/engine"
	"github.com/peerdial/peerdial/pkg/engine/enginetest"
)

func TestPreferredVideoCodec(t *testing.T) {
	require.Equal(t, "VP8", (&Params{}).preferredVideoCodec())
	require.Equal(t, "VP8", (&Params{VideoCallEnabled: true}).preferredVideoCodec())
	require.Equal(t, "VP9", (&Params{VideoCallEnabled: true, VideoCodec: "VP9"}).preferredVideoCodec())
	require.Equal(t, "H264", (&Params{VideoCallEnabled: true, VideoCodec: "H264"}).preferredVideoCodec())
	// unknown names fall back rather than error
	require.Equal(t, "VP8", (&Params{VideoCallEnabled: true, VideoCodec: "AV1"}).preferredVideoCodec())
	// codec preference is only honored on video calls
	require.Equal(t, "VP8", (&Params{VideoCodec: "VP9"}).preferredVideoCodec())
}

func TestPreferIsac(t *testing.T) {
	require.False(t, (&Params{}).preferIsac())
	require.False(t, (&Params{AudioCodec: "opus"}).preferIsac())
	require.True(t, (&Params{AudioCodec: "ISAC"}).preferIsac())
}

func TestResolvedVideoFormat(t *testing.T) {
	w, h, fps := (&Params{}).resolvedVideoFormat()
	require.Equal(t, []int{1280, 720, 30}, []int{w, h, fps})

	w, h, fps = (&Params{VideoWidth: 640, VideoHeight: 480, VideoFps: 15}).resolvedVideoFormat()
	require.Equal(t, []int{640, 480, 15}, []int{w, h, fps})

	// oversized requests are clamped to the ceiling
	w, h, fps = (&Params{VideoWidth: 1920, VideoHeight: 1080, VideoFps: 60}).resolvedVideoFormat()
	require.Equal(t, []int{1280, 1080, 30}, []int{w, h, fps})
}

func TestIsHDVideo(t *testing.T) {
	require.False(t, (&Params{}).IsHDVideo())
	require.True(t, (&Params{VideoCallEnabled: true}).IsHDVideo())
	require.False(t, (&Params{VideoCallEnabled: true, VideoWidth: 640, VideoHeight: 480}).IsHDVideo())
}

func TestAudioConstraints(t *testing.T) {
	mc := (&Params{}).audioConstraints()
	require.Empty(t, mc.Mandatory)

	mc = (&Params{NoAudioProcessing: true, EnableLevelControl: true}).audioConstraints()
	require.Equal(t, []engine.Constraint{
		{Key: "googEchoCancellation", Value: "false"},
		{Key: "googAutoGainControl", Value: "false"},
		{Key: "googHighpassFilter", Value: "false"},
		{Key: "googNoiseSuppression", Value: "false"},
		{Key: "levelControl", Value: "true"},
	}, mc.Mandatory)
}

func TestOfferAnswerConstraints(t *testing.T) {
	mc := (&Params{}).offerAnswerConstraints()
	v, _ := mc.GetMandatory("OfferToReceiveVideo")
	require.Equal(t, "false", v)

	mc = (&Params{VideoCallEnabled: true}).offerAnswerConstraints()
	v, _ = mc.GetMandatory("OfferToReceiveVideo")
	require.Equal(t, "true", v)

	// loopback always receives video so a video call can loop to itself
	mc = (&Params{Loopback: true}).offerAnswerConstraints()
	v, _ = mc.GetMandatory("OfferToReceiveVideo")
	require.Equal(t, "true", v)
}

func TestCandidateQueue(t *testing.T) {
	fe := enginetest.NewFakeEngine()
	var q candidateQueue
	q.init(fe)

	first := engine.IceCandidate{Sdp: "candidate:1"}
	second := engine.IceCandidate{Sdp: "candidate:2"}
	q.enqueueOrForward(first)
	q.enqueueOrForward(second)
	require.Empty(t, fe.AddCandidateCalls())

	q.drain()
	require.Equal(t, []engine.IceCandidate{first, second}, fe.AddCandidateCalls())

	// drain is idempotent
	q.drain()
	require.Len(t, fe.AddCandidateCalls(), 2)

	// after draining, candidates bypass the queue
	third := engine.IceCandidate{Sdp: "candidate:3"}
	q.enqueueOrForward(third)
	require.Equal(t, []engine.IceCandidate{first, second, third}, fe.AddCandidateCalls())
}

func TestCandidateQueueRemove(t *testing.T) {
	fe := enginetest.NewFakeEngine()
	var q candidateQueue
	q.init(fe)

	buffered := engine.IceCandidate{Sdp: "candidate:1"}
	q.enqueueOrForward(buffered)
	q.remove([]engine.IceCandidate{buffered})

	require.Equal(t, []engine.IceCandidate{buffered}, fe.AddCandidateCalls())
	require.Equal(t, [][]engine.IceCandidate{{buffered}}, fe.RemoveCandidatesCalls())
}
