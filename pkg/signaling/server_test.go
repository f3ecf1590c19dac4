package signaling

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/peerdial/peerdial/pkg/config"
	"github.com/peerdial/peerdial/pkg/engine"
	"github.com/peerdial/peerdial/pkg/telemetry/prometheus"
)

func newTestServer(t *testing.T, tweak func(*config.Config)) *httptest.Server {
	prometheus.Init("signaling-test")

	conf, err := config.NewConfig("", true, nil, nil)
	require.NoError(t, err)
	if tweak != nil {
		tweak(conf)
	}

	s, err := NewServer(conf, NewRegistry())
	require.NoError(t, err)

	ts := httptest.NewServer(s.httpServer.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func newRoomClient(t *testing.T, serverURL, room string) *Client {
	c := NewClient(ClientParams{
		ServerURL:      serverURL,
		RoomName:       room,
		ConnectTimeout: 5 * time.Second,
	})
	t.Cleanup(c.Close)
	return c
}

func TestJoinAssignsRoles(t *testing.T) {
	ts := newTestServer(t, nil)

	a := newRoomClient(t, ts.URL, "roles")
	paramsA, err := a.Join(context.Background())
	require.NoError(t, err)
	require.True(t, paramsA.IsInitiator)
	require.True(t, a.IsInitiator())

	b := newRoomClient(t, ts.URL, "roles")
	paramsB, err := b.Join(context.Background())
	require.NoError(t, err)
	require.False(t, paramsB.IsInitiator)
	require.Equal(t, paramsA.RoomID, paramsB.RoomID)

	c := newRoomClient(t, ts.URL, "roles")
	_, err = c.Join(context.Background())
	require.ErrorIs(t, err, ErrRoomFull)
}

func TestRelayWithQueueing(t *testing.T) {
	ts := newTestServer(t, nil)

	offer := engine.SessionDescription{
		Type: engine.SDPTypeOffer,
		SDP:  "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\n",
	}
	answer := engine.SessionDescription{
		Type: engine.SDPTypeAnswer,
		SDP:  "v=0\r\no=- 2 2 IN IP4 127.0.0.1\r\ns=-\r\n",
	}

	answerCh := make(chan engine.SessionDescription, 1)
	a := newRoomClient(t, ts.URL, "relay")
	a.OnRemoteDescription(func(d engine.SessionDescription) { answerCh <- d })
	_, err := a.Join(context.Background())
	require.NoError(t, err)
	require.NoError(t, a.Connect(context.Background()))

	// the other side has not connected yet, these queue on the server
	require.NoError(t, a.SendDescription(offer))
	require.NoError(t, a.SendCandidate(engine.IceCandidate{
		SdpMid:        "0",
		SdpMLineIndex: 0,
		Sdp:           "candidate:1 1 udp 2122260223 192.168.1.2 50000 typ host",
	}))

	offerCh := make(chan engine.SessionDescription, 1)
	candCh := make(chan engine.IceCandidate, 1)
	b := newRoomClient(t, ts.URL, "relay")
	b.OnRemoteDescription(func(d engine.SessionDescription) { offerCh <- d })
	b.OnRemoteCandidate(func(c engine.IceCandidate) { candCh <- c })
	_, err = b.Join(context.Background())
	require.NoError(t, err)
	require.NoError(t, b.Connect(context.Background()))

	select {
	case d := <-offerCh:
		require.Equal(t, offer, d)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for queued offer")
	}
	select {
	case c := <-candCh:
		require.Equal(t, 0, c.SdpMLineIndex)
		require.Equal(t, "0", c.SdpMid)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for queued candidate")
	}

	require.NoError(t, b.SendDescription(answer))
	select {
	case d := <-answerCh:
		require.Equal(t, answer, d)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for answer")
	}
}

func TestByeDelivery(t *testing.T) {
	ts := newTestServer(t, nil)

	byeCh := make(chan struct{}, 1)
	a := newRoomClient(t, ts.URL, "bye")
	a.OnBye(func() { byeCh <- struct{}{} })
	_, err := a.Join(context.Background())
	require.NoError(t, err)
	require.NoError(t, a.Connect(context.Background()))

	b := newRoomClient(t, ts.URL, "bye")
	_, err = b.Join(context.Background())
	require.NoError(t, err)
	require.NoError(t, b.Connect(context.Background()))

	require.NoError(t, b.SendBye())
	select {
	case <-byeCh:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for bye")
	}
}

func TestRoleGating(t *testing.T) {
	ts := newTestServer(t, nil)

	errCh := make(chan error, 1)
	a := newRoomClient(t, ts.URL, "gate")
	a.OnError(func(err error) { errCh <- err })
	_, err := a.Join(context.Background())
	require.NoError(t, err)
	require.NoError(t, a.Connect(context.Background()))

	b := newRoomClient(t, ts.URL, "gate")
	_, err = b.Join(context.Background())
	require.NoError(t, err)
	require.NoError(t, b.Connect(context.Background()))

	// the answerer has no business sending an offer
	require.NoError(t, b.SendDescription(engine.SessionDescription{
		Type: engine.SDPTypeOffer,
		SDP:  "v=0\r\n",
	}))

	select {
	case err := <-errCh:
		require.Contains(t, err.Error(), "offer as initiator")
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for role error")
	}
}

func TestVersionGate(t *testing.T) {
	ts := newTestServer(t, func(conf *config.Config) {
		conf.Room.MinClientVersion = "99.0.0"
	})

	c := newRoomClient(t, ts.URL, "versioned")
	_, err := c.Join(context.Background())
	require.ErrorIs(t, err, ErrClientOutdated)

	ts2 := newTestServer(t, func(conf *config.Config) {
		conf.Room.MinClientVersion = "0.1.0"
	})
	c2 := newRoomClient(t, ts2.URL, "versioned")
	_, err = c2.Join(context.Background())
	require.NoError(t, err)
}

func TestJoinRejectsLongRoomName(t *testing.T) {
	ts := newTestServer(t, func(conf *config.Config) {
		conf.Room.MaxRoomNameLength = 4
	})

	c := newRoomClient(t, ts.URL, "too-long-room")
	_, err := c.Join(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "join failed")
}

func TestChannelRequiresRegister(t *testing.T) {
	ts := newTestServer(t, nil)

	wsURL := strings.Replace(ts.URL, "http", "ws", 1) + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(command{Cmd: commandSend, Msg: "hi"}))

	var res channelResponse
	require.NoError(t, conn.ReadJSON(&res))
	require.Contains(t, res.Error, "register")
}

func TestChannelRejectsUnknownClient(t *testing.T) {
	ts := newTestServer(t, nil)

	wsURL := strings.Replace(ts.URL, "http", "ws", 1) + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(command{
		Cmd:      commandRegister,
		RoomID:   "ghost",
		ClientID: "nobody",
	}))

	var res channelResponse
	require.NoError(t, conn.ReadJSON(&res))
	require.Contains(t, res.Error, "room not found")
}
