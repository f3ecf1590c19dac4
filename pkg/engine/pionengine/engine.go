package pionengine

import (
	"strings"
	"sync"

	"github.com/frostbyte73/core"
	"github.com/pion/ice/v2"
	"github.com/pion/interceptor"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"

	"github.com/peerdial/peerdial/pkg/engine"
	"github.com/peerdial/peerdial/pkg/logger"
	"github.com/peerdial/peerdial/pkg/utils"
)

// PionEngine drives a pion PeerConnection behind the engine interface.
// Description and candidate operations run on an internal ops queue in
// submission order, so set confirmations come back in the order the
// requests were made, which the negotiation layer depends on.
type PionEngine struct {
	logger logger.Logger
	ops    *utils.OpsQueue
	pc     *webrtc.PeerConnection
	media  *localMedia
	closed core.Fuse

	// confined to the ops goroutine
	recvAudioAdded bool
	recvVideoAdded bool

	lock          sync.Mutex
	remoteStreams map[string]*remoteStream

	cbLock                   sync.RWMutex
	onDescriptionSynthesized func(engine.SessionDescription)
	onSynthesisFailed        func(string)
	onDescriptionSet         func()
	onDescriptionSetFailed   func(string)
	onLocalCandidate         func(engine.IceCandidate)
	onCandidatesRemoved      func([]engine.IceCandidate)
	onConnectivityChange     func(engine.ConnectivityState)
	onStreamAdded            func(engine.MediaStream)
	onStreamRemoved          func(engine.MediaStream)
}

type remoteStream struct {
	audio int
	video int
}

var _ engine.Engine = (*PionEngine)(nil)

func New(cfg engine.Config, params Params) (*PionEngine, error) {
	l := params.Logger
	if l == nil {
		l = logger.GetLogger()
	}
	l = l.WithName("pion")

	me, err := createMediaEngine()
	if err != nil {
		return nil, err
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, err
	}

	conf, err := buildConfiguration(cfg)
	if err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithSettingEngine(buildSettingEngine(cfg, params)),
		webrtc.WithInterceptorRegistry(ir),
	)
	pc, err := api.NewPeerConnection(conf)
	if err != nil {
		return nil, err
	}

	e := &PionEngine{
		logger:        l,
		ops:           utils.NewOpsQueue(l, "engine", 64),
		pc:            pc,
		media:         newLocalMedia(params.Source, l),
		remoteStreams: make(map[string]*remoteStream),
	}
	e.ops.Start()

	if cfg.DisableEncryption {
		l.Infow("ignoring encryption disable, transport stays encrypted")
	}
	if cfg.GatheringPolicy == engine.GatheringPolicyOnce {
		l.Infow("ignoring one-shot gathering policy, candidates trickle continuously")
	}

	pc.OnICECandidate(e.handleICECandidate)
	pc.OnICEConnectionStateChange(e.handleConnectionState)
	pc.OnTrack(e.handleTrack)

	return e, nil
}

func (e *PionEngine) CreateOffer(constraints engine.MediaConstraints) {
	e.ops.Enqueue(func() {
		e.addReceiveTransceivers(constraints)
		offer, err := e.pc.CreateOffer(nil)
		if err != nil {
			e.synthesisFailed(err)
			return
		}
		e.synthesized(offer)
	})
}

func (e *PionEngine) CreateAnswer(constraints engine.MediaConstraints) {
	e.ops.Enqueue(func() {
		e.addReceiveTransceivers(constraints)
		answer, err := e.pc.CreateAnswer(nil)
		if err != nil {
			e.synthesisFailed(err)
			return
		}
		e.synthesized(answer)
	})
}

// addReceiveTransceivers declares receive interest for kinds without a
// local track. Only meaningful before a remote description exists; as
// the answerer the remote offer already laid out the media sections.
func (e *PionEngine) addReceiveTransceivers(constraints engine.MediaConstraints) {
	if e.pc.RemoteDescription() != nil {
		return
	}

	recvOnly := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}
	if v, _ := constraints.GetMandatory(engine.OfferToReceiveAudioConstraint); v == "true" && !e.media.hasAudio() && !e.recvAudioAdded {
		if _, err := e.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, recvOnly); err != nil {
			e.logger.Warnw("failed to add audio transceiver", err)
		} else {
			e.recvAudioAdded = true
		}
	}
	if v, _ := constraints.GetMandatory(engine.OfferToReceiveVideoConstraint); v == "true" && !e.media.hasVideo() && !e.recvVideoAdded {
		if _, err := e.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, recvOnly); err != nil {
			e.logger.Warnw("failed to add video transceiver", err)
		} else {
			e.recvVideoAdded = true
		}
	}
}

func (e *PionEngine) SetLocalDescription(sd engine.SessionDescription) {
	e.ops.Enqueue(func() {
		if err := e.pc.SetLocalDescription(toPionDescription(sd)); err != nil {
			e.setFailed(err)
			return
		}
		e.setSucceeded()
	})
}

func (e *PionEngine) SetRemoteDescription(sd engine.SessionDescription) {
	e.ops.Enqueue(func() {
		if err := e.pc.SetRemoteDescription(toPionDescription(sd)); err != nil {
			e.setFailed(err)
			return
		}
		e.logRemoteMedia(sd)
		e.setSucceeded()
	})
}

func (e *PionEngine) AddCandidate(c engine.IceCandidate) {
	e.ops.Enqueue(func() {
		if c.Sdp == "" {
			e.logger.Debugw("skipping empty candidate")
			return
		}
		e.logCandidate("remote candidate", c.Sdp)

		mid := c.SdpMid
		idx := uint16(c.SdpMLineIndex)
		err := e.pc.AddICECandidate(webrtc.ICECandidateInit{
			Candidate:     c.Sdp,
			SDPMid:        &mid,
			SDPMLineIndex: &idx,
		})
		if err != nil {
			e.logger.Warnw("failed to add remote candidate", err, "mid", c.SdpMid)
		}
	})
}

func (e *PionEngine) RemoveCandidates(cs []engine.IceCandidate) {
	e.ops.Enqueue(func() {
		// the stack has no candidate withdrawal; abandoned pairs age out
		// through the ICE failure timeouts instead
		e.logger.Debugw("ignoring candidate removal", "count", len(cs))
	})
}

func (e *PionEngine) AddMedia(spec engine.MediaSpec) error {
	return e.media.attach(e.pc, spec)
}

func (e *PionEngine) SetAudioEnabled(enabled bool) {
	e.media.setAudioEnabled(enabled)
}

func (e *PionEngine) SetVideoEnabled(enabled bool) {
	e.media.setVideoEnabled(enabled)
}

func (e *PionEngine) StopVideoSource() {
	e.media.stopCapture()
}

func (e *PionEngine) StartVideoSource() {
	e.media.startCapture()
}

func (e *PionEngine) SetVideoMaxBitrate(maxBitrateKbps int) {
	// senders do not expose encoding parameter updates; the bitrate line
	// written into the remote description governs instead
	e.logger.Infow("sender bitrate cap unsupported", "maxKbps", maxBitrateKbps)
}

func (e *PionEngine) GetStats() (engine.StatsReport, error) {
	return convertStats(e.pc.GetStats()), nil
}

func (e *PionEngine) Close() error {
	var err error
	e.closed.Once(func() {
		e.media.close()
		e.ops.Stop()
		<-e.ops.Done()
		err = e.pc.Close()
	})
	return err
}

func (e *PionEngine) OnDescriptionSynthesized(f func(engine.SessionDescription)) {
	e.cbLock.Lock()
	e.onDescriptionSynthesized = f
	e.cbLock.Unlock()
}

func (e *PionEngine) OnSynthesisFailed(f func(string)) {
	e.cbLock.Lock()
	e.onSynthesisFailed = f
	e.cbLock.Unlock()
}

func (e *PionEngine) OnDescriptionSet(f func()) {
	e.cbLock.Lock()
	e.onDescriptionSet = f
	e.cbLock.Unlock()
}

func (e *PionEngine) OnDescriptionSetFailed(f func(string)) {
	e.cbLock.Lock()
	e.onDescriptionSetFailed = f
	e.cbLock.Unlock()
}

func (e *PionEngine) OnLocalCandidate(f func(engine.IceCandidate)) {
	e.cbLock.Lock()
	e.onLocalCandidate = f
	e.cbLock.Unlock()
}

func (e *PionEngine) OnCandidatesRemoved(f func([]engine.IceCandidate)) {
	e.cbLock.Lock()
	e.onCandidatesRemoved = f
	e.cbLock.Unlock()
}

func (e *PionEngine) OnConnectivityChange(f func(engine.ConnectivityState)) {
	e.cbLock.Lock()
	e.onConnectivityChange = f
	e.cbLock.Unlock()
}

func (e *PionEngine) OnStreamAdded(f func(engine.MediaStream)) {
	e.cbLock.Lock()
	e.onStreamAdded = f
	e.cbLock.Unlock()
}

func (e *PionEngine) OnStreamRemoved(f func(engine.MediaStream)) {
	e.cbLock.Lock()
	e.onStreamRemoved = f
	e.cbLock.Unlock()
}

func (e *PionEngine) synthesized(desc webrtc.SessionDescription) {
	sd, err := fromPionDescription(desc)
	if err != nil {
		e.synthesisFailed(err)
		return
	}

	e.cbLock.RLock()
	f := e.onDescriptionSynthesized
	e.cbLock.RUnlock()
	if f != nil {
		f(sd)
	}
}

func (e *PionEngine) synthesisFailed(err error) {
	e.cbLock.RLock()
	f := e.onSynthesisFailed
	e.cbLock.RUnlock()
	if f != nil {
		f(err.Error())
	}
}

func (e *PionEngine) setSucceeded() {
	e.cbLock.RLock()
	f := e.onDescriptionSet
	e.cbLock.RUnlock()
	if f != nil {
		f()
	}
}

func (e *PionEngine) setFailed(err error) {
	e.cbLock.RLock()
	f := e.onDescriptionSetFailed
	e.cbLock.RUnlock()
	if f != nil {
		f(err.Error())
	}
}

func (e *PionEngine) handleICECandidate(c *webrtc.ICECandidate) {
	if c == nil {
		// end of gathering
		return
	}

	init := c.ToJSON()
	out := engine.IceCandidate{Sdp: init.Candidate}
	if init.SDPMid != nil {
		out.SdpMid = *init.SDPMid
	}
	if init.SDPMLineIndex != nil {
		out.SdpMLineIndex = int(*init.SDPMLineIndex)
	}
	e.logger.Debugw("local candidate gathered",
		"type", c.Typ.String(), "address", c.Address, "port", c.Port)

	e.cbLock.RLock()
	f := e.onLocalCandidate
	e.cbLock.RUnlock()
	if f != nil {
		f(out)
	}
}

func (e *PionEngine) handleConnectionState(state webrtc.ICEConnectionState) {
	e.cbLock.RLock()
	f := e.onConnectivityChange
	e.cbLock.RUnlock()
	if f != nil {
		f(connectivityFromICEState(state))
	}
}

func (e *PionEngine) logRemoteMedia(sd engine.SessionDescription) {
	parsed := &sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(sd.SDP)); err != nil {
		return
	}

	media := make([]string, 0, len(parsed.MediaDescriptions))
	for _, m := range parsed.MediaDescriptions {
		media = append(media, m.MediaName.Media)
	}
	e.logger.Debugw("remote description applied", "type", sd.Type.String(), "media", media)
}

func (e *PionEngine) logCandidate(msg, raw string) {
	parsed, err := ice.UnmarshalCandidate(strings.TrimPrefix(raw, "candidate:"))
	if err != nil {
		return
	}
	e.logger.Debugw(msg, "type", parsed.Type().String(), "address", parsed.Address(), "port", parsed.Port())
}

func connectivityFromICEState(state webrtc.ICEConnectionState) engine.ConnectivityState {
	switch state {
	case webrtc.ICEConnectionStateChecking:
		return engine.ConnectivityChecking
	case webrtc.ICEConnectionStateConnected:
		return engine.ConnectivityConnected
	case webrtc.ICEConnectionStateCompleted:
		return engine.ConnectivityCompleted
	case webrtc.ICEConnectionStateDisconnected:
		return engine.ConnectivityDisconnected
	case webrtc.ICEConnectionStateFailed:
		return engine.ConnectivityFailed
	case webrtc.ICEConnectionStateClosed:
		return engine.ConnectivityClosed
	default:
		return engine.ConnectivityNew
	}
}

func toPionDescription(sd engine.SessionDescription) webrtc.SessionDescription {
	t := webrtc.SDPTypeOffer
	if sd.Type == engine.SDPTypeAnswer {
		t = webrtc.SDPTypeAnswer
	}
	return webrtc.SessionDescription{Type: t, SDP: sd.SDP}
}

func fromPionDescription(desc webrtc.SessionDescription) (engine.SessionDescription, error) {
	t, err := engine.SDPTypeFromString(desc.Type.String())
	if err != nil {
		return engine.SessionDescription{}, err
	}
	return engine.SessionDescription{Type: t, SDP: desc.SDP}, nil
}
