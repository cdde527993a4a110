package models

import (
	"errors"
	"fmt"

	"github.com/buger/jsonparser"
	"github.com/parcelsync/parcelsync.go/pkg/constants"
)

type EventType string

const (
	// EventConnected is the application-level handshake sent by the server
	// right after the push transport opens.
	EventConnected   EventType = "connected"
	EventPlotUpdated EventType = "plot_updated"
	EventPlotCreated EventType = "plot_created"
	EventPlotDeleted EventType = "plot_deleted"
	EventLeadCreated EventType = "lead_created"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventConnected, EventPlotUpdated, EventPlotCreated, EventPlotDeleted, EventLeadCreated:
		return true
	}
	return false
}

// IsPlotEvent reports whether t changes plot data.
func (t EventType) IsPlotEvent() bool {
	switch t {
	case EventPlotUpdated, EventPlotCreated, EventPlotDeleted:
		return true
	}
	return false
}

// PushEvent is one message received on the push channel. It is consumed
// immediately and never persisted.
type PushEvent struct {
	Type       EventType `json:"type"`
	ResourceID string    `json:"plotId,omitempty"`
}

// ParsePushEvent decodes a push message. Anything that is not a JSON object
// with a known "type" yields an error wrapping constants.ErrMalformedPushEvent.
// The optional "plotId" may be a string or a number.
func ParsePushEvent(data []byte) (PushEvent, error) {
	typ, err := jsonparser.GetString(data, "type")
	if err != nil {
		return PushEvent{}, fmt.Errorf("%w: type: %v", constants.ErrMalformedPushEvent, err)
	}

	ev := PushEvent{Type: EventType(typ)}
	if !ev.Type.Valid() {
		return PushEvent{}, fmt.Errorf("%w: unknown type %q", constants.ErrMalformedPushEvent, typ)
	}

	raw, dataType, _, err := jsonparser.Get(data, "plotId")
	switch {
	case errors.Is(err, jsonparser.KeyPathNotFoundError):
		return ev, nil
	case err != nil:
		return PushEvent{}, fmt.Errorf("%w: plotId: %v", constants.ErrMalformedPushEvent, err)
	}

	switch dataType {
	case jsonparser.String:
		id, err := jsonparser.ParseString(raw)
		if err != nil {
			return PushEvent{}, fmt.Errorf("%w: plotId: %v", constants.ErrMalformedPushEvent, err)
		}
		ev.ResourceID = id
	case jsonparser.Number:
		ev.ResourceID = string(raw)
	case jsonparser.Null:
	default:
		return PushEvent{}, fmt.Errorf("%w: plotId has type %s", constants.ErrMalformedPushEvent, dataType)
	}

	return ev, nil
}
