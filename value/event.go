package value

import (
	"fmt"
	"strings"
)

// EventData describes one event received from the server.
type EventData struct {
	EventTypeID  NodeID
	SourceNodeID NodeID
	Message      string
	Severity     int
	// Time is in milliseconds since 1970-01-01 UTC.
	Time int64
	// Fields holds the event fields that are not part of the base event type.
	Fields []NodeData
}

func (e *EventData) Kind() Kind { return KindEventData }

func (e *EventData) Copy() Value {
	c := *e
	c.Fields = make([]NodeData, len(e.Fields))
	for i, f := range e.Fields {
		c.Fields[i] = f.Copy()
	}
	return &c
}

// Field returns the value of the event field with the given node id.
func (e *EventData) Field(id NodeID) (Value, bool) {
	for _, f := range e.Fields {
		if f.NodeID == id {
			return f.Value, true
		}
	}
	return nil, false
}

func (e *EventData) String() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.String()
	}
	return fmt.Sprintf("Event(type=%s, source=%s, severity=%d, time=%d, message=%q, fields=[%s])",
		e.EventTypeID, e.SourceNodeID, e.Severity, e.Time, e.Message, strings.Join(parts, ", "))
}
