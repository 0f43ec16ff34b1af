package websocket

import (
	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate/internal/kafka"
	"github.com/luciancaetano/kephasgate/internal/protocol"
)

// Addressing kinds reported to metrics.
const (
	TargetConnection = "connection"
	TargetUser       = "user"
	TargetRoom       = "room"
	TargetBroadcast  = "broadcast"
)

// router drains one event subscription and addresses each envelope to
// local connections through the manager.
type router struct {
	sub  *kafka.Subscription[*kafka.Envelope]
	done chan struct{}
}

func (s *Server) startRouter() {
	if s.events == nil {
		return
	}
	r := &router{sub: s.events.Subscribe(), done: make(chan struct{})}
	s.mu.Lock()
	s.router = r
	s.mu.Unlock()

	go func() {
		defer close(r.done)
		for env := range r.sub.C() {
			s.route(env)
		}
		s.logger.Debug("event router stopped")
	}()
}

func (s *Server) stopRouter() {
	s.mu.Lock()
	r := s.router
	s.router = nil
	s.mu.Unlock()
	if r == nil {
		return
	}
	r.sub.Close()
	<-r.done
}

// route delivers env and returns the addressing kind used and the number of
// connections the frame was queued to. Delivery to this instance's
// connections only; other instances route the same event independently.
func (s *Server) route(env *kafka.Envelope) (string, int) {
	msg := protocol.Event(env.EventType, env.CorrelationID, env.Payload, env.Timestamp)

	kind, delivered := TargetBroadcast, 0
	t := env.Target
	switch {
	case t != nil && t.ConnectionID != "":
		kind = TargetConnection
		msg.ConnectionID = t.ConnectionID
		delivered = s.manager.SendToConnection(t.ConnectionID, msg)
	case t != nil && t.UserID != "":
		kind = TargetUser
		msg.UserID = t.UserID
		delivered = s.manager.SendToUser(t.UserID, msg)
	case t != nil && t.RoomID != "":
		kind = TargetRoom
		msg.RoomID = t.RoomID
		if t.ExcludeConnectionID != "" {
			delivered = s.manager.SendToRoomExcept(t.RoomID, t.ExcludeConnectionID, msg)
		} else {
			delivered = s.manager.SendToRoom(t.RoomID, msg)
		}
	default:
		delivered = s.manager.Broadcast(msg)
	}

	s.metrics.Routed(kind, delivered)
	if delivered == 0 && kind != TargetBroadcast {
		s.logger.Debug("event had no local recipients",
			zap.String("event_type", env.EventType),
			zap.String("target", kind))
	}
	return kind, delivered
}
