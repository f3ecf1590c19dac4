package engine

import "fmt"

// SDPType is the role of a session description in the offer/answer exchange.
type SDPType int

const (
	SDPTypeOffer SDPType = iota
	SDPTypeAnswer
)

func (t SDPType) String() string {
	switch t {
	case SDPTypeOffer:
		return "offer"
	case SDPTypeAnswer:
		return "answer"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// SDPTypeFromString parses the wire form used by the signaling protocol.
func SDPTypeFromString(s string) (SDPType, error) {
	switch s {
	case "offer":
		return SDPTypeOffer, nil
	case "answer":
		return SDPTypeAnswer, nil
	default:
		return 0, fmt.Errorf("unknown sdp type: %s", s)
	}
}

// SessionDescription is an immutable (type, sdp text) pair. Rewrites
// produce new values.
type SessionDescription struct {
	Type SDPType
	SDP  string
}

// IceCandidate is opaque to the negotiation core: it is queued and
// forwarded by reference, never inspected.
type IceCandidate struct {
	SdpMid        string
	SdpMLineIndex int
	Sdp           string
}

// MediaStream is a reference to a remote stream surfaced by the engine.
type MediaStream struct {
	ID          string
	AudioTracks int
	VideoTracks int
}

func (s MediaStream) String() string {
	return fmt.Sprintf("stream %s (audio: %d, video: %d)", s.ID, s.AudioTracks, s.VideoTracks)
}

// ConnectivityState mirrors the engine's ICE connection state.
type ConnectivityState int

const (
	ConnectivityNew ConnectivityState = iota
	ConnectivityChecking
	ConnectivityConnected
	ConnectivityCompleted
	ConnectivityDisconnected
	ConnectivityFailed
	ConnectivityClosed
)

func (s ConnectivityState) String() string {
	switch s {
	case ConnectivityNew:
		return "new"
	case ConnectivityChecking:
		return "checking"
	case ConnectivityConnected:
		return "connected"
	case ConnectivityCompleted:
		return "completed"
	case ConnectivityDisconnected:
		return "disconnected"
	case ConnectivityFailed:
		return "failed"
	case ConnectivityClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// StatsEntry is one report entry from the engine's statistics snapshot.
type StatsEntry struct {
	ID        string
	Type      string
	Timestamp float64
	Values    map[string]string
}

type StatsReport []StatsEntry

// Engine is the narrow capability surface of the external WebRTC engine.
// All description and candidate operations are asynchronous: results come
// back through the registered callbacks. Callback registration is not
// synchronized with delivery and must happen before negotiation starts.
type Engine interface {
	// CreateOffer and CreateAnswer ask the engine to synthesize a
	// description; the result arrives via OnDescriptionSynthesized or
	// OnSynthesisFailed.
	CreateOffer(constraints MediaConstraints)
	CreateAnswer(constraints MediaConstraints)

	// SetLocalDescription and SetRemoteDescription apply a description;
	// completion arrives via OnDescriptionSet or OnDescriptionSetFailed.
	// The success callback carries no indication of which description was
	// set; callers are expected to track their own request order.
	SetLocalDescription(sd SessionDescription)
	SetRemoteDescription(sd SessionDescription)

	AddCandidate(c IceCandidate)
	RemoveCandidates(cs []IceCandidate)

	AddMedia(spec MediaSpec) error
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	StopVideoSource()
	StartVideoSource()
	SetVideoMaxBitrate(maxBitrateKbps int)
	GetStats() (StatsReport, error)
	Close() error

	OnDescriptionSynthesized(f func(SessionDescription))
	OnSynthesisFailed(f func(string))
	OnDescriptionSet(f func())
	OnDescriptionSetFailed(f func(string))
	OnLocalCandidate(f func(IceCandidate))
	OnCandidatesRemoved(f func([]IceCandidate))
	OnConnectivityChange(f func(ConnectivityState))
	OnStreamAdded(f func(MediaStream))
	OnStreamRemoved(f func(MediaStream))
}

// NewEngineFunc constructs an engine for one connection lifecycle.
type NewEngineFunc func(Config) (Engine, error)
