// Package enginetest provides a deterministic in-memory Engine for
// negotiation tests. Every operation is recorded, and engine callbacks
// are fired either automatically (happy-path toggles) or explicitly by
// the test through the Fire methods.
package enginetest

import (
	"sync"

	"github.com/peerdial/peerdial/pkg/engine"
)

const fakeSDP = "v=0\r\no=- 4611731400430051336 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\na=rtpmap:111 opus/48000/2\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 100\r\na=rtpmap:100 VP8/90000\r\n"

type FakeEngine struct {
	lock sync.Mutex

	// AutoSynthesize makes CreateOffer/CreateAnswer succeed inline with
	// SynthesizedSDP. AutoSetSuccess makes Set*Description succeed inline.
	AutoSynthesize bool
	AutoSetSuccess bool
	SynthesizedSDP string

	StatsResult engine.StatsReport
	StatsErr    error
	AddMediaErr error
	CloseErr    error

	config *engine.Config

	createOfferCalls  []engine.MediaConstraints
	createAnswerCalls []engine.MediaConstraints
	setLocalCalls     []engine.SessionDescription
	setRemoteCalls    []engine.SessionDescription
	addCandidateCalls []engine.IceCandidate
	removeCalls       [][]engine.IceCandidate
	addMediaCalls     []engine.MediaSpec
	maxBitrateCalls   []int
	audioEnabled      []bool
	videoEnabled      []bool
	videoSourceStops  int
	videoSourceStarts int
	statsCalls        int
	closeCalls        int

	onSynthesized       func(engine.SessionDescription)
	onSynthesisFailed   func(string)
	onDescriptionSet    func()
	onSetFailed         func(string)
	onLocalCandidate    func(engine.IceCandidate)
	onCandidatesRemoved func([]engine.IceCandidate)
	onConnectivity      func(engine.ConnectivityState)
	onStreamAdded       func(engine.MediaStream)
	onStreamRemoved     func(engine.MediaStream)
}

func NewFakeEngine() *FakeEngine {
	return &FakeEngine{
		AutoSynthesize: true,
		AutoSetSuccess: true,
		SynthesizedSDP: fakeSDP,
	}
}

// NewFactory returns a NewEngineFunc that hands out the given fake,
// so tests can hold a reference to the engine a client will use. The
// config passed at construction is captured for inspection.
func NewFactory(fe *FakeEngine) engine.NewEngineFunc {
	return func(cfg engine.Config) (engine.Engine, error) {
		fe.lock.Lock()
		fe.config = &cfg
		fe.lock.Unlock()
		return fe, nil
	}
}

// Config returns the construction config, or nil before the factory ran.
func (f *FakeEngine) Config() *engine.Config {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.config
}

func (f *FakeEngine) CreateOffer(constraints engine.MediaConstraints) {
	f.lock.Lock()
	f.createOfferCalls = append(f.createOfferCalls, constraints)
	auto, sdp, cb := f.AutoSynthesize, f.SynthesizedSDP, f.onSynthesized
	f.lock.Unlock()
	if auto && cb != nil {
		cb(engine.SessionDescription{Type: engine.SDPTypeOffer, SDP: sdp})
	}
}

func (f *FakeEngine) CreateAnswer(constraints engine.MediaConstraints) {
	f.lock.Lock()
	f.createAnswerCalls = append(f.createAnswerCalls, constraints)
	auto, sdp, cb := f.AutoSynthesize, f.SynthesizedSDP, f.onSynthesized
	f.lock.Unlock()
	if auto && cb != nil {
		cb(engine.SessionDescription{Type: engine.SDPTypeAnswer, SDP: sdp})
	}
}

func (f *FakeEngine) SetLocalDescription(sd engine.SessionDescription) {
	f.lock.Lock()
	f.setLocalCalls = append(f.setLocalCalls, sd)
	auto, cb := f.AutoSetSuccess, f.onDescriptionSet
	f.lock.Unlock()
	if auto && cb != nil {
		cb()
	}
}

func (f *FakeEngine) SetRemoteDescription(sd engine.SessionDescription) {
	f.lock.Lock()
	f.setRemoteCalls = append(f.setRemoteCalls, sd)
	auto, cb := f.AutoSetSuccess, f.onDescriptionSet
	f.lock.Unlock()
	if auto && cb != nil {
		cb()
	}
}

func (f *FakeEngine) AddCandidate(c engine.IceCandidate) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.addCandidateCalls = append(f.addCandidateCalls, c)
}

func (f *FakeEngine) RemoveCandidates(cs []engine.IceCandidate) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.removeCalls = append(f.removeCalls, cs)
}

func (f *FakeEngine) AddMedia(spec engine.MediaSpec) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.addMediaCalls = append(f.addMediaCalls, spec)
	return f.AddMediaErr
}

func (f *FakeEngine) SetAudioEnabled(enabled bool) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.audioEnabled = append(f.audioEnabled, enabled)
}

func (f *FakeEngine) SetVideoEnabled(enabled bool) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.videoEnabled = append(f.videoEnabled, enabled)
}

func (f *FakeEngine) StopVideoSource() {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.videoSourceStops++
}

func (f *FakeEngine) StartVideoSource() {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.videoSourceStarts++
}

func (f *FakeEngine) SetVideoMaxBitrate(maxBitrateKbps int) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.maxBitrateCalls = append(f.maxBitrateCalls, maxBitrateKbps)
}

func (f *FakeEngine) GetStats() (engine.StatsReport, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.statsCalls++
	return f.StatsResult, f.StatsErr
}

func (f *FakeEngine) Close() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.closeCalls++
	return f.CloseErr
}

func (f *FakeEngine) OnDescriptionSynthesized(fn func(engine.SessionDescription)) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.onSynthesized = fn
}

func (f *FakeEngine) OnSynthesisFailed(fn func(string)) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.onSynthesisFailed = fn
}

func (f *FakeEngine) OnDescriptionSet(fn func()) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.onDescriptionSet = fn
}

func (f *FakeEngine) OnDescriptionSetFailed(fn func(string)) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.onSetFailed = fn
}

func (f *FakeEngine) OnLocalCandidate(fn func(engine.IceCandidate)) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.onLocalCandidate = fn
}

func (f *FakeEngine) OnCandidatesRemoved(fn func([]engine.IceCandidate)) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.onCandidatesRemoved = fn
}

func (f *FakeEngine) OnConnectivityChange(fn func(engine.ConnectivityState)) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.onConnectivity = fn
}

func (f *FakeEngine) OnStreamAdded(fn func(engine.MediaStream)) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.onStreamAdded = fn
}

func (f *FakeEngine) OnStreamRemoved(fn func(engine.MediaStream)) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.onStreamRemoved = fn
}

// Fire methods simulate engine-originated events.

func (f *FakeEngine) FireDescriptionSynthesized(sd engine.SessionDescription) {
	if cb := f.synthesizedCB(); cb != nil {
		cb(sd)
	}
}

func (f *FakeEngine) FireSynthesisFailed(msg string) {
	f.lock.Lock()
	cb := f.onSynthesisFailed
	f.lock.Unlock()
	if cb != nil {
		cb(msg)
	}
}

func (f *FakeEngine) FireDescriptionSet() {
	f.lock.Lock()
	cb := f.onDescriptionSet
	f.lock.Unlock()
	if cb != nil {
		cb()
	}
}

func (f *FakeEngine) FireDescriptionSetFailed(msg string) {
	f.lock.Lock()
	cb := f.onSetFailed
	f.lock.Unlock()
	if cb != nil {
		cb(msg)
	}
}

func (f *FakeEngine) FireLocalCandidate(c engine.IceCandidate) {
	f.lock.Lock()
	cb := f.onLocalCandidate
	f.lock.Unlock()
	if cb != nil {
		cb(c)
	}
}

func (f *FakeEngine) FireCandidatesRemoved(cs []engine.IceCandidate) {
	f.lock.Lock()
	cb := f.onCandidatesRemoved
	f.lock.Unlock()
	if cb != nil {
		cb(cs)
	}
}

func (f *FakeEngine) FireConnectivityChange(s engine.ConnectivityState) {
	f.lock.Lock()
	cb := f.onConnectivity
	f.lock.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (f *FakeEngine) FireStreamAdded(s engine.MediaStream) {
	f.lock.Lock()
	cb := f.onStreamAdded
	f.lock.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (f *FakeEngine) FireStreamRemoved(s engine.MediaStream) {
	f.lock.Lock()
	cb := f.onStreamRemoved
	f.lock.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (f *FakeEngine) synthesizedCB() func(engine.SessionDescription) {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.onSynthesized
}

// Accessors for recorded calls. Each returns a copy.

func (f *FakeEngine) CreateOfferCalls() []engine.MediaConstraints {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]engine.MediaConstraints(nil), f.createOfferCalls...)
}

func (f *FakeEngine) CreateAnswerCalls() []engine.MediaConstraints {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]engine.MediaConstraints(nil), f.createAnswerCalls...)
}

func (f *FakeEngine) SetLocalCalls() []engine.SessionDescription {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]engine.SessionDescription(nil), f.setLocalCalls...)
}

func (f *FakeEngine) SetRemoteCalls() []engine.SessionDescription {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]engine.SessionDescription(nil), f.setRemoteCalls...)
}

func (f *FakeEngine) AddCandidateCalls() []engine.IceCandidate {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]engine.IceCandidate(nil), f.addCandidateCalls...)
}

func (f *FakeEngine) RemoveCandidatesCalls() [][]engine.IceCandidate {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([][]engine.IceCandidate(nil), f.removeCalls...)
}

func (f *FakeEngine) AddMediaCalls() []engine.MediaSpec {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]engine.MediaSpec(nil), f.addMediaCalls...)
}

func (f *FakeEngine) SetVideoMaxBitrateCalls() []int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]int(nil), f.maxBitrateCalls...)
}

func (f *FakeEngine) SetAudioEnabledCalls() []bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]bool(nil), f.audioEnabled...)
}

func (f *FakeEngine) SetVideoEnabledCalls() []bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]bool(nil), f.videoEnabled...)
}

func (f *FakeEngine) VideoSourceStops() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.videoSourceStops
}

func (f *FakeEngine) VideoSourceStarts() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.videoSourceStarts
}

func (f *FakeEngine) GetStatsCalls() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.statsCalls
}

func (f *FakeEngine) CloseCalls() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.closeCalls
}
