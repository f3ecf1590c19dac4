package pionengine

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"time"

	dtlsElliptic "github.com/pion/dtls/v2/pkg/crypto/elliptic"
	"github.com/pion/transport/v2"
	"github.com/pion/webrtc/v3"

	"github.com/peerdial/peerdial/pkg/engine"
	"github.com/peerdial/peerdial/pkg/logger"
)

const (
	dtlsRetransmissionInterval = 100 * time.Millisecond
	iceDisconnectedTimeout     = 10 * time.Second
	iceFailedTimeout           = 25 * time.Second
	iceKeepaliveInterval       = 2 * time.Second
)

// Params configure the fixed half of the engine: where outgoing media
// samples come from and which network stack to dial through. The
// per-connection half arrives as an engine.Config.
type Params struct {
	Source MediaSource

	// Net overrides the network stack, used by tests to run against a
	// virtual network.
	Net transport.Net

	Logger logger.Logger
}

// Factory binds params into the constructor shape the negotiation layer
// consumes.
func Factory(params Params) engine.NewEngineFunc {
	return func(cfg engine.Config) (engine.Engine, error) {
		return New(cfg, params)
	}
}

func buildSettingEngine(cfg engine.Config, params Params) webrtc.SettingEngine {
	se := webrtc.SettingEngine{
		LoggerFactory: logger.LoggerFactory(),
	}
	se.DisableMediaEngineCopy(true)
	se.SetDTLSRetransmissionInterval(dtlsRetransmissionInterval)
	se.SetICETimeouts(iceDisconnectedTimeout, iceFailedTimeout, iceKeepaliveInterval)

	if cfg.TCPCandidatePolicy == engine.TCPCandidatePolicyEnabled {
		se.SetNetworkTypes([]webrtc.NetworkType{
			webrtc.NetworkTypeUDP4,
			webrtc.NetworkTypeUDP6,
			webrtc.NetworkTypeTCP4,
			webrtc.NetworkTypeTCP6,
		})
	} else {
		se.SetNetworkTypes([]webrtc.NetworkType{
			webrtc.NetworkTypeUDP4,
			webrtc.NetworkTypeUDP6,
		})
	}

	if cfg.KeyType == engine.KeyTypeECDSA {
		se.SetDTLSEllipticCurves(dtlsElliptic.X25519, dtlsElliptic.P256)
	}

	if params.Net != nil {
		se.SetNet(params.Net)
	}

	return se
}

func buildConfiguration(cfg engine.Config) (webrtc.Configuration, error) {
	servers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, s := range cfg.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
		}
		servers = append(servers, server)
	}

	cert, err := generateCertificate(cfg.KeyType)
	if err != nil {
		return webrtc.Configuration{}, err
	}

	conf := webrtc.Configuration{
		ICEServers:   servers,
		Certificates: []webrtc.Certificate{*cert},
	}

	switch cfg.BundlePolicy {
	case engine.BundlePolicyBalanced:
		conf.BundlePolicy = webrtc.BundlePolicyBalanced
	case engine.BundlePolicyMaxCompat:
		conf.BundlePolicy = webrtc.BundlePolicyMaxCompat
	default:
		conf.BundlePolicy = webrtc.BundlePolicyMaxBundle
	}

	if cfg.RTCPMuxPolicy == engine.RTCPMuxPolicyNegotiate {
		conf.RTCPMuxPolicy = webrtc.RTCPMuxPolicyNegotiate
	} else {
		conf.RTCPMuxPolicy = webrtc.RTCPMuxPolicyRequire
	}

	return conf, nil
}

func generateCertificate(keyType engine.KeyType) (*webrtc.Certificate, error) {
	if keyType == engine.KeyTypeRSA {
		priv, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, err
		}
		return webrtc.GenerateCertificate(priv)
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return webrtc.GenerateCertificate(priv)
}
