package events

import (
	"github.com/ElJoseRuiz/gestiona-trades/pkg/db"
)

// Appender is the subset of the event log the sink writes through.
type Appender interface {
	Append(ev db.Event)
}

// Sink is the single point lifecycle events flow through: every event is
// appended to the durable log and broadcast to live observers.
type Sink struct {
	log Appender
	bus *Bus
}

// NewSink wires the durable appender and the live bus.
func NewSink(log Appender, bus *Bus) *Sink {
	return &Sink{log: log, bus: bus}
}

// Emit records and broadcasts one event.
func (s *Sink) Emit(ev db.Event) {
	if s.log != nil {
		s.log.Append(ev)
	}
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}

// Bus exposes the live bus for websocket subscriptions.
func (s *Sink) Bus() *Bus { return s.bus }
