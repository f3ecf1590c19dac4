package pionengine

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/transport/v2/vnet"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/peerdial/peerdial/pkg/engine"
	"github.com/peerdial/peerdial/pkg/logger"
)

func newVirtualNet(t *testing.T, router *vnet.Router, ip string) *vnet.Net {
	t.Helper()

	nw, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
	require.NoError(t, err)
	require.NoError(t, router.AddNet(nw))
	return nw
}

func newRouter(t *testing.T) *vnet.Router {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "192.0.2.0/24",
		LoggerFactory: logger.LoggerFactory(),
	})
	require.NoError(t, err)
	require.NoError(t, router.Start())
	t.Cleanup(func() { _ = router.Stop() })
	return router
}

func newTestEngine(t *testing.T, nw *vnet.Net) *PionEngine {
	t.Helper()

	e, err := New(engine.DefaultConfig(nil), Params{Net: nw})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func receiveConstraints() engine.MediaConstraints {
	var mc engine.MediaConstraints
	mc.AddMandatory(engine.OfferToReceiveAudioConstraint, "true")
	mc.AddMandatory(engine.OfferToReceiveVideoConstraint, "true")
	return mc
}

func awaitDescription(t *testing.T, ch <-chan engine.SessionDescription, what string) engine.SessionDescription {
	t.Helper()

	select {
	case sd := <-ch:
		return sd
	case <-time.After(5 * time.Second):
		t.Fatalf("%s was not synthesized", what)
		return engine.SessionDescription{}
	}
}

func TestOfferCarriesNegotiableCodecs(t *testing.T) {
	router := newRouter(t)
	e := newTestEngine(t, newVirtualNet(t, router, "192.0.2.10"))

	require.NoError(t, e.AddMedia(engine.MediaSpec{Audio: true}))

	offerCh := make(chan engine.SessionDescription, 1)
	e.OnDescriptionSynthesized(func(sd engine.SessionDescription) { offerCh <- sd })

	e.CreateOffer(receiveConstraints())
	offer := awaitDescription(t, offerCh, "offer")

	require.Equal(t, engine.SDPTypeOffer, offer.Type)
	require.Contains(t, offer.SDP, "m=audio")
	// no local video track, the receive constraint adds the section
	require.Contains(t, offer.SDP, "m=video")

	// codec preference rewrites upstream depend on these being offered
	require.Contains(t, offer.SDP, "opus/48000")
	require.Contains(t, offer.SDP, "ISAC/16000")
	require.Contains(t, offer.SDP, "VP8/90000")
	require.Contains(t, offer.SDP, "VP9/90000")
	require.Contains(t, offer.SDP, "H264/90000")
}

func TestLocalCandidatesGatherOnVirtualNetwork(t *testing.T) {
	router := newRouter(t)
	e := newTestEngine(t, newVirtualNet(t, router, "192.0.2.10"))

	require.NoError(t, e.AddMedia(engine.MediaSpec{Audio: true}))

	setCount := atomic.NewInt32(0)
	e.OnDescriptionSet(func() { setCount.Inc() })

	var candMu sync.Mutex
	var candidates []engine.IceCandidate
	e.OnLocalCandidate(func(c engine.IceCandidate) {
		candMu.Lock()
		candidates = append(candidates, c)
		candMu.Unlock()
	})

	offerCh := make(chan engine.SessionDescription, 1)
	e.OnDescriptionSynthesized(func(sd engine.SessionDescription) { offerCh <- sd })

	e.CreateOffer(receiveConstraints())
	offer := awaitDescription(t, offerCh, "offer")

	e.SetLocalDescription(offer)
	require.Eventually(t, func() bool { return setCount.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		candMu.Lock()
		defer candMu.Unlock()
		return len(candidates) > 0
	}, 5*time.Second, 10*time.Millisecond, "no host candidates from the virtual network")

	candMu.Lock()
	first := candidates[0]
	candMu.Unlock()
	require.Contains(t, first.Sdp, "192.0.2.10")
}

// candidateRelay buffers candidates until the receiving side has its
// remote description, then forwards directly.
type candidateRelay struct {
	dst *PionEngine

	mu      sync.Mutex
	ready   bool
	pending []engine.IceCandidate
}

func (r *candidateRelay) forward(c engine.IceCandidate) {
	r.mu.Lock()
	if !r.ready {
		r.pending = append(r.pending, c)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.dst.AddCandidate(c)
}

func (r *candidateRelay) open() {
	r.mu.Lock()
	r.ready = true
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()
	for _, c := range pending {
		r.dst.AddCandidate(c)
	}
}

func TestEnginePairConnects(t *testing.T) {
	router := newRouter(t)
	caller := newTestEngine(t, newVirtualNet(t, router, "192.0.2.10"))
	callee := newTestEngine(t, newVirtualNet(t, router, "192.0.2.20"))

	require.NoError(t, caller.AddMedia(engine.MediaSpec{Audio: true}))
	require.NoError(t, callee.AddMedia(engine.MediaSpec{Audio: true}))

	callerSets := atomic.NewInt32(0)
	calleeSets := atomic.NewInt32(0)
	caller.OnDescriptionSet(func() { callerSets.Inc() })
	callee.OnDescriptionSet(func() { calleeSets.Inc() })

	callerUp := atomic.NewBool(false)
	calleeUp := atomic.NewBool(false)
	up := func(flag *atomic.Bool) func(engine.ConnectivityState) {
		return func(s engine.ConnectivityState) {
			if s == engine.ConnectivityConnected || s == engine.ConnectivityCompleted {
				flag.Store(true)
			}
		}
	}
	caller.OnConnectivityChange(up(callerUp))
	callee.OnConnectivityChange(up(calleeUp))

	streamCh := make(chan engine.MediaStream, 1)
	callee.OnStreamAdded(func(s engine.MediaStream) {
		select {
		case streamCh <- s:
		default:
		}
	})

	toCallee := &candidateRelay{dst: callee}
	toCaller := &candidateRelay{dst: caller}
	caller.OnLocalCandidate(toCallee.forward)
	callee.OnLocalCandidate(toCaller.forward)

	offerCh := make(chan engine.SessionDescription, 1)
	answerCh := make(chan engine.SessionDescription, 1)
	caller.OnDescriptionSynthesized(func(sd engine.SessionDescription) { offerCh <- sd })
	callee.OnDescriptionSynthesized(func(sd engine.SessionDescription) { answerCh <- sd })

	caller.CreateOffer(receiveConstraints())
	offer := awaitDescription(t, offerCh, "offer")
	caller.SetLocalDescription(offer)
	callee.SetRemoteDescription(offer)

	callee.CreateAnswer(receiveConstraints())
	answer := awaitDescription(t, answerCh, "answer")
	callee.SetLocalDescription(answer)
	caller.SetRemoteDescription(answer)

	require.Eventually(t, func() bool {
		return callerSets.Load() == 2 && calleeSets.Load() == 2
	}, 5*time.Second, 10*time.Millisecond, "descriptions were not applied")

	toCallee.open()
	toCaller.open()

	require.Eventually(t, func() bool {
		return callerUp.Load() && calleeUp.Load()
	}, 15*time.Second, 20*time.Millisecond, "pair did not connect over the virtual network")

	select {
	case stream := <-streamCh:
		require.Equal(t, localStreamID, stream.ID)
		require.Equal(t, 1, stream.AudioTracks)
	case <-time.After(15 * time.Second):
		t.Fatal("remote stream was not surfaced")
	}

	report, err := caller.GetStats()
	require.NoError(t, err)
	require.NotEmpty(t, report)
	for _, entry := range report {
		require.NotEmpty(t, entry.ID)
		require.NotEmpty(t, entry.Type)
	}
}

func TestConvertStatsFlattensValues(t *testing.T) {
	src := webrtc.StatsReport{
		"pc": webrtc.PeerConnectionStats{
			Timestamp:          webrtc.StatsTimestamp(123456.5),
			Type:               webrtc.StatsTypePeerConnection,
			ID:                 "pc",
			DataChannelsOpened: 2,
		},
	}

	out := convertStats(src)
	require.Len(t, out, 1)
	require.Equal(t, "pc", out[0].ID)
	require.Equal(t, "peer-connection", out[0].Type)
	require.Equal(t, 123456.5, out[0].Timestamp)
	require.Equal(t, "2", out[0].Values["dataChannelsOpened"])
	require.NotContains(t, out[0].Values, "id")
	require.NotContains(t, out[0].Values, "type")
	require.NotContains(t, out[0].Values, "timestamp")
}
