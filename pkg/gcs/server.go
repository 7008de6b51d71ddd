// Package gcs is the ground control station gateway: a WebSocket server
// that streams fleet telemetry, events, and overwatch video to operator
// consoles and turns operator actions into coordinator commands.
package gcs

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mobfleet/mobfleet/pkg/types"
)

// Commander is the coordinator surface the operator console drives.
type Commander interface {
	TriggerMOB()
	ConfirmTarget(droneID string)
	RejectTarget(droneID string)
	TriggerPatrol()
	TriggerOverwatch(pos types.Position)
}

// Operator frame types, inbound from the console.
const (
	FrameTriggerMOB       = "TRIGGER_MOB_MODE"
	FrameConfirmTarget    = "CONFIRM_TARGET"
	FrameRejectTarget     = "REJECT_TARGET"
	FrameTriggerPatrol    = "TRIGGER_PATROL_MODE"
	FrameTriggerOverwatch = "TRIGGER_OVERWATCH_MODE"
)

// operatorFrame is the envelope for console input. DroneID and Position are
// only set for the frame types that need them.
type operatorFrame struct {
	Type     string          `json:"type"`
	DroneID  string          `json:"drone_id,omitempty"`
	Position *types.Position `json:"position,omitempty"`
}

type client struct {
	conn *websocket.Conn
	// writeMu serializes writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex
}

func (c *client) send(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// Server fans fleet state out to every connected console and relays
// operator commands back to the coordinator.
type Server struct {
	cmd      Commander
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	streams map[string]*mediaStream
}

// NewServer builds a GCS gateway in front of cmd. Pass nil and bind later
// with BindCommander when the coordinator is constructed afterwards.
func NewServer(cmd Commander, log *zap.Logger) *Server {
	return &Server{
		cmd: cmd,
		log: log.Named("gcs"),
		upgrader: websocket.Upgrader{
			// Consoles connect from file:// and LAN origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
		streams: make(map[string]*mediaStream),
	}
}

// ServeHTTP upgrades the connection and pumps operator frames until the
// console disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{conn: conn}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	s.log.Info("console connected", zap.String("remote", r.RemoteAddr), zap.Int("consoles", n))

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		conn.Close()
		s.log.Info("console disconnected", zap.String("remote", r.RemoteAddr))
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame operatorFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			// A garbled frame is the console's bug, not a reason to drop it.
			s.log.Warn("malformed operator frame", zap.Error(err))
			continue
		}
		s.dispatch(frame)
	}
}

// BindCommander sets the command target after construction. The gateway
// and the coordinator reference each other, so one of them binds late.
func (s *Server) BindCommander(cmd Commander) {
	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()
}

func (s *Server) commander() Commander {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd
}

func (s *Server) dispatch(frame operatorFrame) {
	cmd := s.commander()
	if cmd == nil {
		s.log.Warn("operator frame before commander bind", zap.String("type", frame.Type))
		return
	}
	s.log.Info("operator action", zap.String("type", frame.Type))
	switch frame.Type {
	case FrameTriggerMOB:
		cmd.TriggerMOB()
	case FrameConfirmTarget:
		cmd.ConfirmTarget(frame.DroneID)
	case FrameRejectTarget:
		cmd.RejectTarget(frame.DroneID)
	case FrameTriggerPatrol:
		cmd.TriggerPatrol()
	case FrameTriggerOverwatch:
		if frame.Position == nil {
			s.log.Warn("overwatch frame without a position")
			return
		}
		cmd.TriggerOverwatch(*frame.Position)
	default:
		s.log.Warn("unknown operator frame", zap.String("type", frame.Type))
	}
}

// broadcast sends v to every console. A failed send only loses that
// console's frame; the read loop notices the dead connection.
func (s *Server) broadcast(v interface{}) {
	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.Unlock()
	for _, c := range targets {
		if err := c.send(v); err != nil {
			s.log.Debug("console send failed", zap.Error(err))
		}
	}
}

func (s *Server) hasClients() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients) > 0
}

// BroadcastTelemetry pushes one drone's telemetry snapshot to the consoles.
func (s *Server) BroadcastTelemetry(droneID string, payload types.TelemetryPayload) {
	s.broadcast(map[string]interface{}{
		"type":     "telemetry",
		"drone_id": droneID,
		"data":     payload,
	})
}

// BroadcastEvent pushes a fleet event to the consoles.
func (s *Server) BroadcastEvent(eventType string, data map[string]interface{}) {
	s.broadcast(map[string]interface{}{
		"type": eventType,
		"data": data,
	})
}
