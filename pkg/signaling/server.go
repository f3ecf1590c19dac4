package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	goversion "github.com/hashicorp/go-version"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/urfave/negroni/v3"
	"go.uber.org/atomic"

	"github.com/peerdial/peerdial/pkg/config"
	"github.com/peerdial/peerdial/pkg/logger"
	"github.com/peerdial/peerdial/pkg/telemetry/prometheus"
)

// Server is the room server: clients join a room over HTTP, then relay
// signaling payloads to each other over a websocket channel.
type Server struct {
	config   *config.Config
	registry *Registry
	logger   logger.Logger

	upgrader   websocket.Upgrader
	httpServer *http.Server
	promServer *http.Server
	minVersion *goversion.Version

	running    atomic.Bool
	doneChan   chan struct{}
	closedChan chan struct{}
}

func NewServer(conf *config.Config, registry *Registry) (*Server, error) {
	s := &Server{
		config:   conf,
		registry: registry,
		logger:   logger.GetLogger().WithName("server"),
		upgrader: websocket.Upgrader{
			// allow connections from any origin
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		doneChan:   make(chan struct{}),
		closedChan: make(chan struct{}),
	}

	if conf.Room.MinClientVersion != "" {
		v, err := goversion.NewVersion(conf.Room.MinClientVersion)
		if err != nil {
			return nil, errors.Wrap(err, "invalid min client version")
		}
		s.minVersion = v
	}

	middlewares := []negroni.Handler{
		// always the first
		negroni.NewRecovery(),
		cors.New(cors.Options{
			AllowOriginFunc: func(origin string) bool {
				return true
			},
			AllowedHeaders: []string{"*"},
			// allow preflight to be cached for a day
			MaxAge: 86400,
		}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/join/", s.handleJoin)
	mux.HandleFunc("/leave/", s.handleLeave)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, "OK")
	})
	if conf.PrometheusPort == 0 {
		mux.Handle("/metrics", promhttp.Handler())
	}

	s.httpServer = &http.Server{
		Handler: configureMiddlewares(mux, middlewares...),
	}
	if conf.PrometheusPort > 0 {
		s.promServer = &http.Server{
			Handler: promhttp.Handler(),
		}
	}
	return s, nil
}

func configureMiddlewares(handler http.Handler, middlewares ...negroni.Handler) *negroni.Negroni {
	n := negroni.New()
	for _, m := range middlewares {
		n.Use(m)
	}
	n.UseHandler(handler)
	return n
}

func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Start listens on the configured bind addresses and blocks until Stop
// is called.
func (s *Server) Start() error {
	if s.running.Swap(true) {
		return errors.New("already running")
	}

	addresses := s.config.BindAddresses
	if addresses == nil {
		addresses = []string{""}
	}

	listeners := make([]net.Listener, 0, len(addresses))
	for _, addr := range addresses {
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", addr, s.config.Port))
		if err != nil {
			return err
		}
		listeners = append(listeners, ln)
	}

	values := []interface{}{
		"portHttp", s.config.Port,
	}
	if s.config.BindAddresses != nil {
		values = append(values, "bindAddresses", s.config.BindAddresses)
	}
	if s.config.PrometheusPort != 0 {
		values = append(values, "portPrometheus", s.config.PrometheusPort)
	}
	s.logger.Infow("starting room server", values...)

	if s.promServer != nil {
		promListener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.PrometheusPort))
		if err != nil {
			return err
		}
		go func() {
			_ = s.promServer.Serve(promListener)
		}()
	}

	for _, ln := range listeners {
		l := ln
		go func() {
			_ = s.httpServer.Serve(l)
		}()
	}

	<-s.doneChan

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(ctx)
	if s.promServer != nil {
		_ = s.promServer.Shutdown(ctx)
	}

	close(s.closedChan)
	return nil
}

// Stop shuts the server down and waits for Start to return.
func (s *Server) Stop() {
	if !s.running.Swap(false) {
		return
	}
	close(s.doneChan)
	<-s.closedChan
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	roomName := strings.TrimPrefix(r.URL.Path, "/join/")
	if roomName == "" || strings.Contains(roomName, "/") {
		http.Error(w, "invalid room name", http.StatusNotFound)
		return
	}
	if len(roomName) > s.config.Room.MaxRoomNameLength {
		http.Error(w, "room name too long", http.StatusBadRequest)
		return
	}

	// older clients post an empty body
	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "malformed join request", http.StatusBadRequest)
		return
	}

	if !s.versionAllowed(req.ClientVersion) {
		s.logger.Infow("rejected outdated client", "room", roomName, "version", req.ClientVersion)
		prometheus.RecordJoin(ResultOutdatedClient)
		s.writeJSON(w, JoinResponse{Result: ResultOutdatedClient})
		return
	}

	params, err := s.registry.Join(roomName)
	if err != nil {
		if errors.Is(err, ErrRoomFull) {
			prometheus.RecordJoin(ResultFull)
			s.writeJSON(w, JoinResponse{Result: ResultFull})
			return
		}
		prometheus.RecordJoin(ResultError)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	prometheus.RecordJoin(ResultSuccess)
	prometheus.SetRoomCounts(s.registry.Counts())
	s.writeJSON(w, JoinResponse{
		Result: ResultSuccess,
		Params: params,
	})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/leave/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		http.Error(w, "invalid leave path", http.StatusNotFound)
		return
	}

	if err := s.registry.Leave(parts[0], parts[1]); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	prometheus.SetRoomCounts(s.registry.Counts())
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("could not upgrade websocket", err)
		return
	}
	defer conn.Close()

	cc := &clientConn{conn: conn}

	// the first command must register the channel to a joined client
	_, data, err := conn.ReadMessage()
	if err != nil {
		return
	}
	var reg command
	if err := json.Unmarshal(data, &reg); err != nil || reg.Cmd != commandRegister {
		_ = cc.writeError("first command must be register")
		return
	}
	if err := s.registry.Register(reg.RoomID, reg.ClientID, cc); err != nil {
		_ = cc.writeError(err.Error())
		return
	}
	prometheus.ChannelRegistered()
	defer func() {
		_ = s.registry.Leave(reg.RoomID, reg.ClientID)
		prometheus.ChannelClosed()
		prometheus.SetRoomCounts(s.registry.Counts())
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !IsWebSocketCloseError(err) {
				s.logger.Warnw("websocket read failed", err,
					"room", reg.RoomID, "client", reg.ClientID)
			}
			return
		}

		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			_ = cc.writeError("malformed command")
			continue
		}
		switch cmd.Cmd {
		case commandSend:
			if cmd.Msg == "" {
				_ = cc.writeError("send command without msg")
				continue
			}
			if err := s.registry.Send(reg.RoomID, reg.ClientID, cmd.Msg); err != nil {
				_ = cc.writeError(err.Error())
			} else {
				prometheus.MessageRelayed()
			}
		case commandRegister:
			_ = cc.writeError("already registered")
		default:
			_ = cc.writeError("unknown command: " + cmd.Cmd)
		}
	}
}

func (s *Server) versionAllowed(clientVersion string) bool {
	if s.minVersion == nil {
		return true
	}
	if clientVersion == "" {
		return false
	}
	v, err := goversion.NewVersion(clientVersion)
	if err != nil {
		return false
	}
	return !v.LessThan(s.minVersion)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warnw("could not write response", err)
	}
}
