package rtc

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/peerdial/peerdial/pkg/engine"
	"github.com/peerdial/peerdial/pkg/engine/enginetest"
	"github.com/peerdial/peerdial/pkg/logger"
	"github.com/peerdial/peerdial/pkg/testutils"
)

const testOffer = "v=0\r\n" +
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111 103\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=fmtp:111 minptime=10;useinbandfec=1\r\n" +
	"a=rtpmap:103 ISAC/16000\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 100 101\r\n" +
	"a=rtpmap:100 VP8/90000\r\n" +
	"a=rtpmap:101 VP9/90000\r\n"

type eventRecorder struct {
	lock         sync.Mutex
	localDescs   []engine.SessionDescription
	candidates   []engine.IceCandidate
	removed      [][]engine.IceCandidate
	streams      []engine.MediaStream
	stats        []engine.StatsReport
	errors       []string
	connected    int
	disconnected int
	closed       int
}

func (r *eventRecorder) wire(c *Client) {
	c.OnLocalDescription(func(sd engine.SessionDescription) {
		r.lock.Lock()
		defer r.lock.Unlock()
		r.localDescs = append(r.localDescs, sd)
	})
	c.OnLocalCandidate(func(cand engine.IceCandidate) {
		r.lock.Lock()
		defer r.lock.Unlock()
		r.candidates = append(r.candidates, cand)
	})
	c.OnCandidatesRemoved(func(cands []engine.IceCandidate) {
		r.lock.Lock()
		defer r.lock.Unlock()
		r.removed = append(r.removed, cands)
	})
	c.OnStreamAdded(func(s engine.MediaStream) {
		r.lock.Lock()
		defer r.lock.Unlock()
		r.streams = append(r.streams, s)
	})
	c.OnStatsReady(func(report engine.StatsReport) {
		r.lock.Lock()
		defer r.lock.Unlock()
		r.stats = append(r.stats, report)
	})
	c.OnError(func(msg string) {
		r.lock.Lock()
		defer r.lock.Unlock()
		r.errors = append(r.errors, msg)
	})
	c.OnConnected(func() {
		r.lock.Lock()
		defer r.lock.Unlock()
		r.connected++
	})
	c.OnDisconnected(func() {
		r.lock.Lock()
		defer r.lock.Unlock()
		r.disconnected++
	})
	c.OnClosed(func() {
		r.lock.Lock()
		defer r.lock.Unlock()
		r.closed++
	})
}

func (r *eventRecorder) numLocalDescs() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.localDescs)
}

func (r *eventRecorder) lastLocalDesc() engine.SessionDescription {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.localDescs[len(r.localDescs)-1]
}

func (r *eventRecorder) allErrors() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]string(nil), r.errors...)
}

func (r *eventRecorder) numClosed() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.closed
}

func (r *eventRecorder) numConnected() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.connected
}

func (r *eventRecorder) numDisconnected() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.disconnected
}

func (r *eventRecorder) numStats() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.stats)
}

func newTestClient(t *testing.T, params Params) (*Client, *enginetest.FakeEngine, *eventRecorder) {
	t.Helper()
	fe := enginetest.NewFakeEngine()
	fe.SynthesizedSDP = testOffer
	c, err := NewClient(params, enginetest.NewFactory(fe), logger.GetLogger())
	require.NoError(t, err)
	rec := &eventRecorder{}
	rec.wire(c)
	t.Cleanup(c.Close)
	return c, fe, rec
}

func TestNewClientRequiresEngineFactory(t *testing.T) {
	_, err := NewClient(Params{}, nil, logger.GetLogger())
	require.ErrorIs(t, err, ErrEngineFactoryMissing)
}

func TestInitiatorOfferFlow(t *testing.T) {
	c, fe, rec := newTestClient(t, Params{})
	require.NoError(t, c.Open(nil))
	c.CreateOffer()

	require.Eventually(t, func() bool { return rec.numLocalDescs() == 1 }, time.Second, 10*time.Millisecond)
	offer := rec.lastLocalDesc()
	require.Equal(t, engine.SDPTypeOffer, offer.Type)
	require.Equal(t, testOffer, offer.SDP)

	calls := fe.CreateOfferCalls()
	require.Len(t, calls, 1)
	audio, ok := calls[0].GetMandatory("OfferToReceiveAudio")
	require.True(t, ok)
	require.Equal(t, "true", audio)
	video, ok := calls[0].GetMandatory("OfferToReceiveVideo")
	require.True(t, ok)
	require.Equal(t, "false", video)

	require.Len(t, fe.SetLocalCalls(), 1)

	// the answer completes the round
	c.SetRemoteDescription(engine.SessionDescription{Type: engine.SDPTypeAnswer, SDP: testOffer})
	testutils.WithTimeout(t, func() string {
		if len(fe.SetRemoteCalls()) != 1 {
			return "remote description was not set"
		}
		return ""
	})
}

func TestInitiatorRewritesLocalAndRemoteDescriptions(t *testing.T) {
	c, fe, rec := newTestClient(t, Params{
		VideoCallEnabled:  true,
		VideoCodec:        "VP9",
		AudioCodec:        "ISAC",
		AudioStartBitrate: 32,
	})
	require.NoError(t, c.Open(nil))
	c.CreateOffer()

	require.Eventually(t, func() bool { return rec.numLocalDescs() == 1 }, time.Second, 10*time.Millisecond)
	local := rec.lastLocalDesc().SDP
	require.Contains(t, local, "m=audio 9 UDP/TLS/RTP/SAVPF 103 111\r\n")
	require.Contains(t, local, "m=video 9 UDP/TLS/RTP/SAVPF 101 100\r\n")

	c.SetRemoteDescription(engine.SessionDescription{Type: engine.SDPTypeAnswer, SDP: testOffer})
	testutils.WithTimeout(t, func() string {
		if len(fe.SetRemoteCalls()) != 1 {
			return "remote description was not set"
		}
		return ""
	})
	remote := fe.SetRemoteCalls()[0].SDP
	require.Contains(t, remote, "m=audio 9 UDP/TLS/RTP/SAVPF 103 111\r\n")
	require.Contains(t, remote, "a=fmtp:111 minptime=10;useinbandfec=1; maxaveragebitrate=32000\r\n")
}

func TestAnswererFlow(t *testing.T) {
	c, fe, rec := newTestClient(t, Params{})
	require.NoError(t, c.Open(nil))

	// remote offer leads; nothing is emitted until the answer is set
	c.SetRemoteDescription(engine.SessionDescription{Type: engine.SDPTypeOffer, SDP: testOffer})
	testutils.WithTimeout(t, func() string {
		if len(fe.SetRemoteCalls()) != 1 {
			return "remote description was not set"
		}
		return ""
	})
	require.Zero(t, rec.numLocalDescs())

	c.CreateAnswer()
	require.Eventually(t, func() bool { return rec.numLocalDescs() == 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, engine.SDPTypeAnswer, rec.lastLocalDesc().Type)
	require.Len(t, fe.CreateAnswerCalls(), 1)
	require.Len(t, fe.SetLocalCalls(), 1)
}

func TestCandidatesBufferUntilDescriptionsSettle(t *testing.T) {
	c, fe, _ := newTestClient(t, Params{})
	require.NoError(t, c.Open(nil))
	c.CreateOffer()

	first := engine.IceCandidate{SdpMid: "0", Sdp: "candidate:1 1 udp 1 10.0.0.1 1000 typ host"}
	second := engine.IceCandidate{SdpMid: "0", Sdp: "candidate:2 1 udp 1 10.0.0.2 1001 typ host"}
	c.AddRemoteCandidate(first)
	c.AddRemoteCandidate(second)

	require.Eventually(t, func() bool { return len(fe.SetLocalCalls()) == 1 }, time.Second, 10*time.Millisecond)
	require.Empty(t, fe.AddCandidateCalls())

	// the answer being set drains the queue in arrival order
	c.SetRemoteDescription(engine.SessionDescription{Type: engine.SDPTypeAnswer, SDP: testOffer})
	testutils.WithTimeout(t, func() string {
		if len(fe.AddCandidateCalls()) != 2 {
			return "queued candidates were not drained"
		}
		return ""
	})
	require.Equal(t, []engine.IceCandidate{first, second}, fe.AddCandidateCalls())

	// drained: later candidates forward immediately
	third := engine.IceCandidate{SdpMid: "0", Sdp: "candidate:3 1 udp 1 10.0.0.3 1002 typ host"}
	c.AddRemoteCandidate(third)
	testutils.WithTimeout(t, func() string {
		if len(fe.AddCandidateCalls()) != 3 {
			return "post-drain candidate was not forwarded"
		}
		return ""
	})
}

func TestRemoveCandidatesDrainsFirst(t *testing.T) {
	c, fe, _ := newTestClient(t, Params{})
	require.NoError(t, c.Open(nil))

	buffered := engine.IceCandidate{SdpMid: "0", Sdp: "candidate:1 1 udp 1 10.0.0.1 1000 typ host"}
	c.AddRemoteCandidate(buffered)
	c.RemoveRemoteCandidates([]engine.IceCandidate{buffered})

	testutils.WithTimeout(t, func() string {
		if len(fe.RemoveCandidatesCalls()) != 1 {
			return "removal was not forwarded"
		}
		return ""
	})
	// the buffered candidate must have been flushed ahead of the removal
	require.Equal(t, []engine.IceCandidate{buffered}, fe.AddCandidateCalls())
}

func TestDuplicateSynthesisReportsError(t *testing.T) {
	c, fe, rec := newTestClient(t, Params{})
	require.NoError(t, c.Open(nil))
	c.CreateOffer()
	require.Eventually(t, func() bool { return rec.numLocalDescs() == 1 }, time.Second, 10*time.Millisecond)

	c.CreateOffer()
	require.Eventually(t, func() bool { return len(rec.allErrors()) == 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"Multiple SDP create."}, rec.allErrors())

	// the error state absorbs everything that follows
	c.CreateOffer()
	c.SetRemoteDescription(engine.SessionDescription{Type: engine.SDPTypeAnswer, SDP: testOffer})
	time.Sleep(50 * time.Millisecond)
	require.Len(t, fe.CreateOfferCalls(), 2)
	require.Empty(t, fe.SetRemoteCalls())
	require.Len(t, rec.allErrors(), 1)
}

func TestFirstErrorWins(t *testing.T) {
	c, fe, rec := newTestClient(t, Params{})
	require.NoError(t, c.Open(nil))
	require.Eventually(t, func() bool { return len(fe.AddMediaCalls()) == 1 }, time.Second, 10*time.Millisecond)

	fe.FireSynthesisFailed("first failure")
	fe.FireSynthesisFailed("second failure")
	fe.FireDescriptionSetFailed("third failure")

	require.Eventually(t, func() bool { return len(rec.allErrors()) == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, []string{"createSDP error: first failure"}, rec.allErrors())
}

func TestSetFailureReportsError(t *testing.T) {
	c, fe, rec := newTestClient(t, Params{})
	require.NoError(t, c.Open(nil))
	require.Eventually(t, func() bool { return len(fe.AddMediaCalls()) == 1 }, time.Second, 10*time.Millisecond)

	fe.FireDescriptionSetFailed("bad description")
	require.Eventually(t, func() bool { return len(rec.allErrors()) == 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, "setSDP error: bad description", rec.allErrors()[0])
}

func TestConnectivityNotifications(t *testing.T) {
	c, fe, rec := newTestClient(t, Params{})
	require.NoError(t, c.Open(nil))
	require.Eventually(t, func() bool { return len(fe.AddMediaCalls()) == 1 }, time.Second, 10*time.Millisecond)

	fe.FireConnectivityChange(engine.ConnectivityChecking)
	fe.FireConnectivityChange(engine.ConnectivityConnected)
	require.Eventually(t, func() bool { return rec.numConnected() == 1 }, time.Second, 10*time.Millisecond)

	fe.FireConnectivityChange(engine.ConnectivityDisconnected)
	require.Eventually(t, func() bool { return rec.numDisconnected() == 1 }, time.Second, 10*time.Millisecond)

	fe.FireConnectivityChange(engine.ConnectivityFailed)
	require.Eventually(t, func() bool { return len(rec.allErrors()) == 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, "ICE connection failed.", rec.allErrors()[0])
}

func TestDisconnectDebounce(t *testing.T) {
	c, fe, rec := newTestClient(t, Params{DisconnectDebounceMs: 60})
	require.NoError(t, c.Open(nil))
	require.Eventually(t, func() bool { return len(fe.AddMediaCalls()) == 1 }, time.Second, 10*time.Millisecond)

	// a flap shorter than the window stays quiet
	fe.FireConnectivityChange(engine.ConnectivityDisconnected)
	time.Sleep(20 * time.Millisecond)
	fe.FireConnectivityChange(engine.ConnectivityConnected)
	time.Sleep(120 * time.Millisecond)
	require.Zero(t, rec.numDisconnected())

	// a real drop is reported once the window passes
	fe.FireConnectivityChange(engine.ConnectivityDisconnected)
	require.Eventually(t, func() bool { return rec.numDisconnected() == 1 }, time.Second, 10*time.Millisecond)
}

func TestWeirdStreamReportsError(t *testing.T) {
	c, fe, rec := newTestClient(t, Params{})
	require.NoError(t, c.Open(nil))
	require.Eventually(t, func() bool { return len(fe.AddMediaCalls()) == 1 }, time.Second, 10*time.Millisecond)

	fe.FireStreamAdded(engine.MediaStream{ID: "s1", AudioTracks: 2, VideoTracks: 0})
	require.Eventually(t, func() bool { return len(rec.allErrors()) == 1 }, time.Second, 10*time.Millisecond)
	require.True(t, strings.HasPrefix(rec.allErrors()[0], "Weird-looking stream: "))
}

func TestNormalStreamSurfaced(t *testing.T) {
	c, fe, rec := newTestClient(t, Params{})
	require.NoError(t, c.Open(nil))
	require.Eventually(t, func() bool { return len(fe.AddMediaCalls()) == 1 }, time.Second, 10*time.Millisecond)

	fe.FireStreamAdded(engine.MediaStream{ID: "s1", AudioTracks: 1, VideoTracks: 1})
	require.Eventually(t, func() bool {
		rec.lock.Lock()
		defer rec.lock.Unlock()
		return len(rec.streams) == 1
	}, time.Second, 10*time.Millisecond)
	require.Empty(t, rec.allErrors())
}

func TestStatsPolling(t *testing.T) {
	c, fe, rec := newTestClient(t, Params{})
	fe.StatsResult = engine.StatsReport{{ID: "conn", Type: "candidate-pair", Values: map[string]string{"state": "succeeded"}}}
	require.NoError(t, c.Open(nil))

	c.EnableStatsEvents(true, 20*time.Millisecond)
	require.Eventually(t, func() bool { return rec.numStats() >= 2 }, time.Second, 10*time.Millisecond)

	c.EnableStatsEvents(false, 0)
	time.Sleep(50 * time.Millisecond)
	settled := rec.numStats()
	time.Sleep(80 * time.Millisecond)
	require.Equal(t, settled, rec.numStats())
}

func TestOperationsBeforeOpenAreIgnored(t *testing.T) {
	c, fe, rec := newTestClient(t, Params{})

	c.CreateOffer()
	c.SetRemoteDescription(engine.SessionDescription{Type: engine.SDPTypeOffer, SDP: testOffer})
	c.AddRemoteCandidate(engine.IceCandidate{Sdp: "candidate:1"})
	time.Sleep(50 * time.Millisecond)

	require.Empty(t, fe.CreateOfferCalls())
	require.Empty(t, fe.SetRemoteCalls())
	require.Empty(t, fe.AddCandidateCalls())
	require.Empty(t, rec.allErrors())
}

func TestOpenTwice(t *testing.T) {
	c, _, _ := newTestClient(t, Params{})
	require.NoError(t, c.Open(nil))
	require.ErrorIs(t, c.Open(nil), ErrAlreadyOpen)
}

func TestCloseIsIdempotentAndOrdered(t *testing.T) {
	c, fe, rec := newTestClient(t, Params{})
	require.NoError(t, c.Open(nil))
	c.CreateOffer()
	require.Eventually(t, func() bool { return rec.numLocalDescs() == 1 }, time.Second, 10*time.Millisecond)

	c.Close()
	c.Close()
	require.Equal(t, 1, fe.CloseCalls())
	require.Equal(t, 1, rec.numClosed())

	// a closed client drops everything silently
	c.CreateOffer()
	time.Sleep(50 * time.Millisecond)
	require.Len(t, fe.CreateOfferCalls(), 1)
}

func TestCloseWithoutOpen(t *testing.T) {
	c, fe, rec := newTestClient(t, Params{})
	c.Close()
	require.Zero(t, fe.CloseCalls())
	require.Equal(t, 1, rec.numClosed())
	require.ErrorIs(t, c.Open(nil), ErrClientClosed)
}

func TestMediaControlsForwarded(t *testing.T) {
	c, fe, _ := newTestClient(t, Params{VideoCallEnabled: true})
	require.NoError(t, c.Open(nil))

	c.SetAudioEnabled(false)
	c.SetVideoEnabled(false)
	c.StopVideoSource()
	c.StartVideoSource()
	c.SetVideoMaxBitrate(1700)

	testutils.WithTimeout(t, func() string {
		if len(fe.SetVideoMaxBitrateCalls()) != 1 {
			return "bitrate cap was not forwarded"
		}
		return ""
	})
	require.Equal(t, []bool{false}, fe.SetAudioEnabledCalls())
	require.Equal(t, []bool{false}, fe.SetVideoEnabledCalls())
	require.Equal(t, 1, fe.VideoSourceStops())
	require.Equal(t, 1, fe.VideoSourceStarts())
	require.Equal(t, []int{1700}, fe.SetVideoMaxBitrateCalls())

	spec := fe.AddMediaCalls()[0]
	require.True(t, spec.Video)
	require.Equal(t, 1280, spec.VideoWidth)
	require.Equal(t, 720, spec.VideoHeight)
	require.Equal(t, 30, spec.VideoFps)
}

func TestOpenFixesTransportPolicy(t *testing.T) {
	c, fe, _ := newTestClient(t, Params{Loopback: true})
	servers := []engine.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}}
	require.NoError(t, c.Open(servers))

	testutils.WithTimeout(t, func() string {
		if fe.Config() == nil {
			return "engine was not constructed"
		}
		return ""
	})
	cfg := fe.Config()
	require.Equal(t, servers, cfg.ICEServers)
	require.Equal(t, engine.BundlePolicyMaxBundle, cfg.BundlePolicy)
	require.Equal(t, engine.RTCPMuxPolicyRequire, cfg.RTCPMuxPolicy)
	require.Equal(t, engine.TCPCandidatePolicyDisabled, cfg.TCPCandidatePolicy)
	require.Equal(t, engine.GatheringPolicyContinually, cfg.GatheringPolicy)
	require.Equal(t, engine.KeyTypeECDSA, cfg.KeyType)
	require.True(t, cfg.DisableEncryption)
}

func TestAnswererWaitsForLocalSetBeforeEmitting(t *testing.T) {
	c, fe, rec := newTestClient(t, Params{})
	fe.AutoSetSuccess = false
	require.NoError(t, c.Open(nil))

	c.SetRemoteDescription(engine.SessionDescription{Type: engine.SDPTypeOffer, SDP: testOffer})
	require.Eventually(t, func() bool { return len(fe.SetRemoteCalls()) == 1 }, time.Second, 10*time.Millisecond)

	// remote set succeeds first; answerer has nothing to emit yet
	fe.FireDescriptionSet()
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, rec.numLocalDescs())

	c.CreateAnswer()
	require.Eventually(t, func() bool { return len(fe.SetLocalCalls()) == 1 }, time.Second, 10*time.Millisecond)
	require.Zero(t, rec.numLocalDescs())

	// local set success emits the answer and drains in the same step
	fe.FireDescriptionSet()
	require.Eventually(t, func() bool { return rec.numLocalDescs() == 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, engine.SDPTypeAnswer, rec.lastLocalDesc().Type)
}
