package signaling

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/peerdial/peerdial/pkg/logger"
	"github.com/peerdial/peerdial/pkg/utils"
)

const (
	maxRoomClients = 2

	// how long a joined client may stay without registering its
	// websocket before its slot can be reclaimed
	registerTimeout = 30 * time.Second
)

var (
	ErrRoomNotFound   = errors.New("room not found")
	ErrClientNotFound = errors.New("client not found in room")
)

// clientConn serializes writes to one registered websocket.
type clientConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (cc *clientConn) writeMsg(msg string) error {
	return cc.write(channelResponse{Msg: msg})
}

func (cc *clientConn) writeError(text string) error {
	return cc.write(channelResponse{Error: text})
}

func (cc *clientConn) write(res channelResponse) error {
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}

	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.conn.WriteMessage(websocket.TextMessage, data)
}

type roomClient struct {
	id string
	// nil until the client registers its websocket
	conn     *clientConn
	queued   []string
	joinedAt time.Time
}

type room struct {
	id      string
	clients map[string]*roomClient
}

func (r *room) other(clientID string) *roomClient {
	for id, rc := range r.clients {
		if id != clientID {
			return rc
		}
	}
	return nil
}

// Registry tracks rooms and relays opaque payloads between the two
// clients of each room. Payloads sent while the other client has no
// websocket yet are queued on the sender and flushed when the other
// side registers.
type Registry struct {
	mu     sync.Mutex
	rooms  map[string]*room
	logger logger.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:  make(map[string]*room),
		logger: logger.GetLogger().WithName("rooms"),
	}
}

// Join claims a slot in the room, creating the room on first use. The
// first client in becomes the initiator.
func (r *Registry) Join(roomName string) (*RoomParams, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.rooms[roomName]
	if rm == nil {
		rm = &room{
			id:      roomName,
			clients: make(map[string]*roomClient),
		}
		r.rooms[roomName] = rm
	}

	if len(rm.clients) >= maxRoomClients {
		r.evictSilentLocked(rm)
	}
	if len(rm.clients) >= maxRoomClients {
		return nil, ErrRoomFull
	}

	clientID := utils.NewGuid(utils.ClientPrefix)
	isInitiator := len(rm.clients) == 0
	rm.clients[clientID] = &roomClient{
		id:       clientID,
		joinedAt: time.Now(),
	}

	r.logger.Infow("client joined",
		"room", rm.id,
		"client", clientID,
		"initiator", isInitiator,
	)
	return &RoomParams{
		RoomID:      rm.id,
		ClientID:    clientID,
		IsInitiator: isInitiator,
	}, nil
}

// evictSilentLocked reclaims slots from clients that joined but never
// registered a websocket. Guards against abandoned join calls pinning a
// room full forever.
func (r *Registry) evictSilentLocked(rm *room) {
	for id, rc := range rm.clients {
		if rc.conn == nil && time.Since(rc.joinedAt) > registerTimeout {
			delete(rm.clients, id)
			r.logger.Infow("evicted silent client", "room", rm.id, "client", id)
		}
	}
}

// Register attaches a websocket to a joined client and flushes anything
// the other client queued in the meantime.
func (r *Registry) Register(roomID, clientID string, cc *clientConn) error {
	r.mu.Lock()
	rm := r.rooms[roomID]
	if rm == nil {
		r.mu.Unlock()
		return ErrRoomNotFound
	}
	rc := rm.clients[clientID]
	if rc == nil {
		r.mu.Unlock()
		return ErrClientNotFound
	}

	rc.conn = cc

	var flush []string
	if other := rm.other(clientID); other != nil {
		flush = other.queued
		other.queued = nil
	}
	r.mu.Unlock()

	for _, msg := range flush {
		if err := cc.writeMsg(msg); err != nil {
			return err
		}
	}
	return nil
}

// Send relays a payload to the other client, or queues it when the
// other side has not registered yet.
func (r *Registry) Send(roomID, clientID, msg string) error {
	r.mu.Lock()
	rm := r.rooms[roomID]
	if rm == nil {
		r.mu.Unlock()
		return ErrRoomNotFound
	}
	rc := rm.clients[clientID]
	if rc == nil {
		r.mu.Unlock()
		return ErrClientNotFound
	}

	other := rm.other(clientID)
	if other == nil || other.conn == nil {
		rc.queued = append(rc.queued, msg)
		r.mu.Unlock()
		return nil
	}
	target := other.conn
	r.mu.Unlock()

	return target.writeMsg(msg)
}

// Leave removes a client and deletes the room once empty. Payloads the
// client had queued go with it.
func (r *Registry) Leave(roomID, clientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.rooms[roomID]
	if rm == nil {
		return ErrRoomNotFound
	}
	if _, ok := rm.clients[clientID]; !ok {
		return ErrClientNotFound
	}

	delete(rm.clients, clientID)
	if len(rm.clients) == 0 {
		delete(r.rooms, roomID)
	}

	r.logger.Infow("client left", "room", roomID, "client", clientID)
	return nil
}

// Counts reports active rooms and clients, for stats exporters.
func (r *Registry) Counts() (rooms int, clients int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms = len(r.rooms)
	for _, rm := range r.rooms {
		clients += len(rm.clients)
	}
	return
}
