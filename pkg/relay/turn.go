package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pion/dtls/v2"
	"github.com/pion/turn/v2"
	"github.com/pkg/errors"

	"github.com/peerdial/peerdial/pkg/config"
	"github.com/peerdial/peerdial/pkg/engine"
	"github.com/peerdial/peerdial/pkg/logger"
)

const (
	// Realm advertised to TURN clients.
	Realm = "peerdial"

	allocateRetries = 50
)

// NewServer starts a TURN relay for NAT-restricted setups. A nil auth
// handler falls back to the configured static username/password.
func NewServer(conf *config.Config, authHandler turn.AuthHandler) (*turn.Server, error) {
	turnConf := conf.TURN
	if !turnConf.Enabled {
		return nil, nil
	}
	if turnConf.TLSPort <= 0 && turnConf.UDPPort <= 0 {
		return nil, errors.New("invalid TURN ports")
	}

	relayIP, err := conf.DetermineIP()
	if err != nil {
		return nil, err
	}

	if authHandler == nil {
		if turnConf.Username == "" || turnConf.Password == "" {
			return nil, errors.New("TURN credentials required")
		}
		key := turn.GenerateAuthKey(turnConf.Username, Realm, turnConf.Password)
		authHandler = func(username, realm string, srcAddr net.Addr) ([]byte, bool) {
			if username == turnConf.Username {
				return key, true
			}
			return nil, false
		}
	}

	serverConfig := turn.ServerConfig{
		Realm:         Realm,
		AuthHandler:   authHandler,
		LoggerFactory: logger.LoggerFactory(),
	}
	newRelayGen := func() *turn.RelayAddressGeneratorPortRange {
		return &turn.RelayAddressGeneratorPortRange{
			RelayAddress: net.ParseIP(relayIP),
			Address:      "0.0.0.0",
			MinPort:      turnConf.RelayPortRangeStart,
			MaxPort:      turnConf.RelayPortRangeEnd,
			MaxRetries:   allocateRetries,
		}
	}

	logValues := []interface{}{
		"relayAddress", relayIP,
		"relayRange", fmt.Sprintf("%d-%d", turnConf.RelayPortRangeStart, turnConf.RelayPortRangeEnd),
	}

	if turnConf.TLSPort > 0 {
		if turnConf.Domain == "" {
			return nil, errors.New("TURN domain required")
		}
		cert, err := tls.LoadX509KeyPair(turnConf.CertFile, turnConf.KeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "could not load TURN certificate")
		}

		tlsListener, err := tls.Listen("tcp4", "0.0.0.0:"+strconv.Itoa(turnConf.TLSPort),
			&tls.Config{
				MinVersion:   tls.VersionTLS12,
				Certificates: []tls.Certificate{cert},
			})
		if err != nil {
			return nil, errors.Wrap(err, "could not listen on TURN TLS port")
		}
		serverConfig.ListenerConfigs = append(serverConfig.ListenerConfigs, turn.ListenerConfig{
			Listener:              tlsListener,
			RelayAddressGenerator: newRelayGen(),
		})

		dtlsListener, err := dtls.Listen("udp4",
			&net.UDPAddr{Port: turnConf.TLSPort},
			&dtls.Config{
				Certificates:         []tls.Certificate{cert},
				ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
				ConnectContextMaker: func() (context.Context, func()) {
					return context.WithTimeout(context.Background(), 30*time.Second)
				},
			})
		if err != nil {
			return nil, errors.Wrap(err, "could not listen on TURN DTLS port")
		}
		serverConfig.ListenerConfigs = append(serverConfig.ListenerConfigs, turn.ListenerConfig{
			Listener:              dtlsListener,
			RelayAddressGenerator: newRelayGen(),
		})

		logValues = append(logValues, "domain", turnConf.Domain, "portTLS", turnConf.TLSPort)
	}

	if turnConf.UDPPort > 0 {
		udpListener, err := net.ListenPacket("udp4", "0.0.0.0:"+strconv.Itoa(turnConf.UDPPort))
		if err != nil {
			return nil, errors.Wrap(err, "could not listen on TURN UDP port")
		}
		serverConfig.PacketConnConfigs = append(serverConfig.PacketConnConfigs, turn.PacketConnConfig{
			PacketConn:            udpListener,
			RelayAddressGenerator: newRelayGen(),
		})
		logValues = append(logValues, "portUDP", turnConf.UDPPort)
	}

	logger.GetLogger().WithName("relay").Infow("starting TURN server", logValues...)
	return turn.NewServer(serverConfig)
}

// ICEServers returns the client-side entries pointing at this relay.
func ICEServers(conf *config.Config) []engine.ICEServer {
	turnConf := conf.TURN
	if !turnConf.Enabled {
		return nil
	}

	host := turnConf.Domain
	if host == "" {
		host = "localhost"
	}

	var urls []string
	if turnConf.UDPPort > 0 {
		urls = append(urls, fmt.Sprintf("turn:%s:%d?transport=udp", host, turnConf.UDPPort))
	}
	if turnConf.TLSPort > 0 {
		urls = append(urls, fmt.Sprintf("turns:%s:%d?transport=tcp", host, turnConf.TLSPort))
	}
	if len(urls) == 0 {
		return nil
	}

	return []engine.ICEServer{{
		URLs:       urls,
		Username:   turnConf.Username,
		Credential: turnConf.Password,
	}}
}
