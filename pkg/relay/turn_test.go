package relay

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/peerdial/peerdial/pkg/config"
)

func testConfig(t *testing.T) *config.Config {
	conf, err := config.NewConfig("", true, nil, nil)
	require.NoError(t, err)
	return conf
}

func freeUDPPort(t *testing.T) int {
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := pc.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, pc.Close())
	return port
}

func TestNewServerDisabled(t *testing.T) {
	conf := testConfig(t)
	conf.TURN.Enabled = false

	s, err := NewServer(conf, nil)
	require.NoError(t, err)
	require.Nil(t, s)
}

func TestNewServerValidation(t *testing.T) {
	conf := testConfig(t)
	conf.TURN.Enabled = true
	conf.TURN.UDPPort = 0
	conf.TURN.TLSPort = 0

	_, err := NewServer(conf, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid TURN ports")

	conf.TURN.UDPPort = 3478
	conf.TURN.Username = ""
	_, err = NewServer(conf, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "credentials")
}

func TestNewServerStaticAuth(t *testing.T) {
	conf := testConfig(t)
	conf.TURN.Enabled = true
	conf.TURN.TLSPort = 0
	conf.TURN.UDPPort = freeUDPPort(t)
	conf.TURN.Username = "peer"
	conf.TURN.Password = "dial"

	s, err := NewServer(conf, nil)
	require.NoError(t, err)
	require.NotNil(t, s)
	require.NoError(t, s.Close())
}

func TestICEServers(t *testing.T) {
	conf := testConfig(t)
	conf.TURN.Enabled = false
	require.Nil(t, ICEServers(conf))

	conf.TURN.Enabled = true
	conf.TURN.Domain = "relay.example.com"
	conf.TURN.UDPPort = 3478
	conf.TURN.TLSPort = 5349
	conf.TURN.Username = "peer"
	conf.TURN.Password = "dial"

	servers := ICEServers(conf)
	require.Len(t, servers, 1)
	require.Equal(t, []string{
		"turn:relay.example.com:3478?transport=udp",
		"turns:relay.example.com:5349?transport=tcp",
	}, servers[0].URLs)
	require.Equal(t, "peer", servers[0].Username)
	require.Equal(t, "dial", servers[0].Credential)

	conf.TURN.Domain = ""
	conf.TURN.TLSPort = 0
	servers = ICEServers(conf)
	require.Equal(t, []string{"turn:localhost:3478?transport=udp"}, servers[0].URLs)
}
