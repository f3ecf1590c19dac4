package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/peerdial/peerdial/pkg/engine"
	"github.com/peerdial/peerdial/pkg/logger"
	"github.com/peerdial/peerdial/version"
)

const (
	defaultPingInterval = 10 * time.Second
	pingWriteTimeout    = 2 * time.Second
	closeWriteTimeout   = 2 * time.Second
)

var (
	ErrRoomFull       = errors.New("room already has two clients")
	ErrClientOutdated = errors.New("client version rejected by server")
	ErrNotJoined      = errors.New("join the room before connecting")
	ErrNotConnected   = errors.New("signaling channel is not connected")
)

type ClientParams struct {
	// ServerURL is the room server base, e.g. http://localhost:8089.
	ServerURL string
	RoomName  string

	ConnectTimeout time.Duration
	PingInterval   time.Duration

	Logger logger.Logger
}

// Client talks to the room server: join over HTTP, then an opaque relay
// channel over websocket. Payload callbacks fire on the read goroutine.
//
// Register callbacks before calling Connect.
type Client struct {
	params ClientParams
	logger logger.Logger

	joined *RoomParams

	conn    *websocket.Conn
	writeMu sync.Mutex

	closed core.Fuse
	done   core.Fuse

	onRemoteDescription       func(engine.SessionDescription)
	onRemoteCandidate         func(engine.IceCandidate)
	onRemoteCandidatesRemoved func([]engine.IceCandidate)
	onBye                     func()
	onError                   func(error)
	onClosed                  func()
}

func NewClient(params ClientParams) *Client {
	l := params.Logger
	if l == nil {
		l = logger.GetLogger()
	}
	return &Client{
		params: params,
		logger: l.WithName("signaling"),
	}
}

func (c *Client) OnRemoteDescription(f func(engine.SessionDescription)) { c.onRemoteDescription = f }

func (c *Client) OnRemoteCandidate(f func(engine.IceCandidate)) { c.onRemoteCandidate = f }

func (c *Client) OnRemoteCandidatesRemoved(f func([]engine.IceCandidate)) {
	c.onRemoteCandidatesRemoved = f
}

// OnBye fires when the other client hangs up.
func (c *Client) OnBye(f func()) { c.onBye = f }

func (c *Client) OnError(f func(error)) { c.onError = f }

func (c *Client) OnClosed(f func()) { c.onClosed = f }

// Join claims a slot in the room and learns this client's role. The first
// client in becomes the initiator.
func (c *Client) Join(ctx context.Context) (*RoomParams, error) {
	if c.params.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.params.ConnectTimeout)
		defer cancel()
	}

	body, err := json.Marshal(JoinRequest{ClientVersion: version.Version})
	if err != nil {
		return nil, err
	}

	joinURL := fmt.Sprintf("%s/join/%s",
		strings.TrimSuffix(c.params.ServerURL, "/"), url.PathEscape(c.params.RoomName))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "could not reach room server")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		return nil, errors.Errorf("join failed: %s: %s", resp.Status, string(payload))
	}

	var joinResp JoinResponse
	if err := json.NewDecoder(resp.Body).Decode(&joinResp); err != nil {
		return nil, errors.Wrap(err, "could not parse join response")
	}

	switch joinResp.Result {
	case ResultSuccess:
	case ResultFull:
		return nil, ErrRoomFull
	case ResultOutdatedClient:
		return nil, ErrClientOutdated
	default:
		return nil, errors.Errorf("join rejected: %s", joinResp.Result)
	}
	if joinResp.Params == nil {
		return nil, errors.New("join response missing room params")
	}

	c.joined = joinResp.Params
	c.logger.Infow("joined room",
		"room", c.joined.RoomID,
		"client", c.joined.ClientID,
		"initiator", c.joined.IsInitiator,
	)
	return c.joined, nil
}

// Connect opens the relay channel and registers. Payloads the server
// buffered while this client was absent are dispatched first, then live
// messages follow.
func (c *Client) Connect(ctx context.Context) error {
	if c.joined == nil {
		return ErrNotJoined
	}

	wsURL, err := c.websocketURL()
	if err != nil {
		return err
	}

	if c.params.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.params.ConnectTimeout)
		defer cancel()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return errors.Wrap(err, "could not open signaling channel")
	}
	c.conn = conn

	if err := c.writeCommand(command{
		Cmd:      commandRegister,
		RoomID:   c.joined.RoomID,
		ClientID: c.joined.ClientID,
	}); err != nil {
		conn.Close()
		return err
	}

	for _, raw := range c.joined.Messages {
		c.handlePayload([]byte(raw))
	}

	go c.readPump()
	go c.pingWorker()
	return nil
}

func (c *Client) IsInitiator() bool {
	return c.joined != nil && c.joined.IsInitiator
}

func (c *Client) RoomID() string {
	if c.joined == nil {
		return ""
	}
	return c.joined.RoomID
}

func (c *Client) ClientID() string {
	if c.joined == nil {
		return ""
	}
	return c.joined.ClientID
}

func (c *Client) SendDescription(desc engine.SessionDescription) error {
	payload, err := marshalDescription(desc)
	if err != nil {
		return err
	}
	return c.relay(payload)
}

func (c *Client) SendCandidate(cand engine.IceCandidate) error {
	payload, err := marshalCandidate(cand)
	if err != nil {
		return err
	}
	return c.relay(payload)
}

func (c *Client) SendCandidatesRemoved(cands []engine.IceCandidate) error {
	payload, err := marshalRemoveCandidates(cands)
	if err != nil {
		return err
	}
	return c.relay(payload)
}

// SendBye tells the other client this side is hanging up.
func (c *Client) SendBye() error {
	payload, err := marshalBye()
	if err != nil {
		return err
	}
	return c.relay(payload)
}

// Leave releases this client's room slot. Best effort, the server also
// reclaims the slot when the channel closes.
func (c *Client) Leave(ctx context.Context) error {
	if c.joined == nil {
		return ErrNotJoined
	}
	leaveURL := fmt.Sprintf("%s/leave/%s/%s",
		strings.TrimSuffix(c.params.ServerURL, "/"),
		url.PathEscape(c.joined.RoomID), url.PathEscape(c.joined.ClientID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, leaveURL, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

// Close tears the channel down. The other side learns about it from the
// websocket close, or earlier from a bye.
func (c *Client) Close() {
	c.closed.Once(func() {
		if c.conn == nil {
			return
		}
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWriteTimeout))
		_ = c.conn.Close()
	})
}

func (c *Client) websocketURL() (string, error) {
	u, err := url.Parse(c.params.ServerURL)
	if err != nil {
		return "", errors.Wrap(err, "invalid server url")
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.Errorf("unsupported server url scheme: %s", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

func (c *Client) relay(payload []byte) error {
	return c.writeCommand(command{Cmd: commandSend, Msg: string(payload)})
}

func (c *Client) writeCommand(cmd command) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readPump() {
	defer c.teardown()

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if !IsWebSocketCloseError(err) && !c.closed.IsBroken() {
				c.logger.Warnw("signaling channel read failed", err)
				c.fireError(err)
			}
			return
		}

		var res channelResponse
		if err := json.Unmarshal(payload, &res); err != nil {
			c.logger.Warnw("malformed channel frame", err)
			continue
		}
		if res.Error != "" {
			c.fireError(errors.New(res.Error))
			continue
		}
		if res.Msg == "" {
			continue
		}
		c.handlePayload([]byte(res.Msg))
	}
}

func (c *Client) handlePayload(raw []byte) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.logger.Warnw("malformed signaling payload", err)
		c.fireError(err)
		return
	}

	switch msg.Type {
	case MessageTypeOffer:
		if c.joined.IsInitiator {
			c.fireError(errors.New("received offer as initiator"))
			return
		}
		c.fireDescription(&msg)
	case MessageTypeAnswer:
		if !c.joined.IsInitiator {
			c.fireError(errors.New("received answer as answerer"))
			return
		}
		c.fireDescription(&msg)
	case MessageTypeCandidate:
		if f := c.onRemoteCandidate; f != nil {
			f(msg.RemoteCandidate())
		}
	case MessageTypeRemoveCandidates:
		if f := c.onRemoteCandidatesRemoved; f != nil {
			f(msg.RemovedCandidates())
		}
	case MessageTypeBye:
		if f := c.onBye; f != nil {
			f()
		}
	default:
		c.logger.Warnw("unexpected signaling payload", nil, "type", msg.Type)
	}
}

func (c *Client) fireDescription(msg *Message) {
	desc, err := msg.RemoteDescription()
	if err != nil {
		c.fireError(err)
		return
	}
	if f := c.onRemoteDescription; f != nil {
		f(desc)
	}
}

func (c *Client) fireError(err error) {
	if f := c.onError; f != nil {
		f(err)
	}
}

func (c *Client) teardown() {
	c.done.Once(func() {
		if f := c.onClosed; f != nil {
			f()
		}
	})
}

func (c *Client) pingWorker() {
	interval := c.params.PingInterval
	if interval <= 0 {
		interval = defaultPingInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := c.conn.WriteControl(websocket.PingMessage, []byte(""), time.Now().Add(pingWriteTimeout))
			if err != nil {
				return
			}
		case <-c.closed.Watch():
			return
		}
	}
}

// IsWebSocketCloseError checks that error is normal/expected closure
func IsWebSocketCloseError(err error) bool {
	return errors.Is(err, io.EOF) ||
		strings.HasSuffix(err.Error(), "use of closed network connection") ||
		strings.HasSuffix(err.Error(), "connection reset by peer") ||
		websocket.IsCloseError(
			err,
			websocket.CloseAbnormalClosure,
			websocket.CloseGoingAway,
			websocket.CloseNormalClosure,
			websocket.CloseNoStatusReceived,
		)
}
