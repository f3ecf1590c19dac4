package engine

// ICEServer is one STUN or TURN entry handed to the engine.
type ICEServer struct {
	URLs       []string `yaml:"urls,omitempty"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type BundlePolicy int

const (
	BundlePolicyMaxBundle BundlePolicy = iota
	BundlePolicyBalanced
	BundlePolicyMaxCompat
)

type RTCPMuxPolicy int

const (
	RTCPMuxPolicyRequire RTCPMuxPolicy = iota
	RTCPMuxPolicyNegotiate
)

type TCPCandidatePolicy int

const (
	TCPCandidatePolicyDisabled TCPCandidatePolicy = iota
	TCPCandidatePolicyEnabled
)

type GatheringPolicy int

const (
	GatheringPolicyContinually GatheringPolicy = iota
	GatheringPolicyOnce
)

type KeyType int

const (
	KeyTypeECDSA KeyType = iota
	KeyTypeRSA
)

// Config carries the connection-level knobs the negotiation layer fixes
// for every call. The defaults produced by DefaultConfig are the ones a
// two-party call wants; only the ICE server list varies per session.
type Config struct {
	ICEServers []ICEServer

	BundlePolicy       BundlePolicy
	RTCPMuxPolicy      RTCPMuxPolicy
	TCPCandidatePolicy TCPCandidatePolicy
	GatheringPolicy    GatheringPolicy
	KeyType            KeyType

	// DisableEncryption is only honored for loopback calls, where both
	// ends live in the same process and the wire never leaves the host.
	DisableEncryption bool
}

func DefaultConfig(iceServers []ICEServer) Config {
	return Config{
		ICEServers:         iceServers,
		BundlePolicy:       BundlePolicyMaxBundle,
		RTCPMuxPolicy:      RTCPMuxPolicyRequire,
		TCPCandidatePolicy: TCPCandidatePolicyDisabled,
		GatheringPolicy:    GatheringPolicyContinually,
		KeyType:            KeyTypeECDSA,
	}
}

// MediaSpec declares which local media the engine should attach, the
// audio processing constraints for the capture pipeline, and the video
// capture format.
type MediaSpec struct {
	Audio            bool
	AudioConstraints MediaConstraints
	Video            bool
	VideoWidth       int
	VideoHeight      int
	VideoFps         int
}
