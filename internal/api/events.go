package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bbernstein/lacyconnect/internal/services/connect"
	"github.com/bbernstein/lacyconnect/internal/services/pubsub"
)

// Event types sent on the event stream.
const (
	EventState    = "state"
	EventConfig   = "config"
	EventSettings = "settings"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
	sendBuffer   = 32
)

// Event is one message on the event stream.
type Event struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	Status    *connect.Status `json:"status,omitempty"`
	Config    *ConfigResponse `json:"config,omitempty"`
	Settings  *Settings       `json:"settings,omitempty"`
}

var upgrader = websocket.Upgrader{
	// the admin API is served on the device's own networks only
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// StateChanged publishes a transition with a status snapshot. It is meant
// to be the connectivity manager's observer.
func (s *Server) StateChanged(prev, next connect.State) {
	status := s.manager.Status()
	s.ps.PublishAll(pubsub.TopicStateChanged, Event{
		Type:      EventState,
		Timestamp: time.Now().UTC(),
		From:      prev.String(),
		To:        next.String(),
		Status:    &status,
	})
}

// handleEvents upgrades to a websocket and streams state, config and
// settings events until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	subs := []*pubsub.Subscriber{
		s.ps.Subscribe(pubsub.TopicStateChanged, "", sendBuffer),
		s.ps.Subscribe(pubsub.TopicConfig, "", sendBuffer),
		s.ps.Subscribe(pubsub.TopicSettings, "", sendBuffer),
	}
	defer func() {
		for _, sub := range subs {
			s.ps.Unsubscribe(sub)
		}
	}()

	s.logger.Debug("event stream opened", zap.String("remote", r.RemoteAddr))
	defer s.logger.Debug("event stream closed", zap.String("remote", r.RemoteAddr))

	// the first message is the current status
	status := s.manager.Status()
	if err := s.write(conn, Event{Type: EventState, Timestamp: time.Now().UTC(), To: status.State, Status: &status}); err != nil {
		return
	}

	closed := make(chan struct{})
	go readPump(conn, closed)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		var msg interface{}
		select {
		case <-closed:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		case msg = <-subs[0].Channel:
		case msg = <-subs[1].Channel:
		case msg = <-subs[2].Channel:
		}
		if err := s.write(conn, msg); err != nil {
			s.logger.Debug("event write failed", zap.Error(err))
			return
		}
	}
}

func (s *Server) write(conn *websocket.Conn, v interface{}) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// readPump discards client messages and keeps the read deadline alive with
// pongs. It closes closed when the connection fails.
func readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
