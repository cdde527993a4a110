package models

import (
	"testing"

	"github.com/parcelsync/parcelsync.go/pkg/constants"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePushEvent(t *testing.T) {
	testCases := []struct {
		name    string
		payload string
		want    PushEvent
	}{
		{"handshake", `{"type":"connected"}`, PushEvent{Type: EventConnected}},
		{"plot deleted", `{"type":"plot_deleted","plotId":"p1"}`, PushEvent{Type: EventPlotDeleted, ResourceID: "p1"}},
		{"numeric id", `{"type":"plot_updated","plotId":42}`, PushEvent{Type: EventPlotUpdated, ResourceID: "42"}},
		{"null id", `{"type":"plot_created","plotId":null}`, PushEvent{Type: EventPlotCreated}},
		{"lead", `{"type":"lead_created","extra":{"a":1}}`, PushEvent{Type: EventLeadCreated}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParsePushEvent([]byte(tc.payload))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParsePushEventMalformed(t *testing.T) {
	payloads := []string{
		`{"type":"???"}`,
		`{"plotId":"p1"}`,
		`{"type":7}`,
		`not json`,
		``,
		`{"type":"plot_updated","plotId":{"nested":true}}`,
	}

	for _, p := range payloads {
		_, err := ParsePushEvent([]byte(p))
		assert.ErrorIs(t, err, constants.ErrMalformedPushEvent, "payload %q", p)
	}
}

func TestEventTypeIsPlotEvent(t *testing.T) {
	assert.True(t, EventPlotCreated.IsPlotEvent())
	assert.True(t, EventPlotDeleted.IsPlotEvent())
	assert.False(t, EventLeadCreated.IsPlotEvent())
	assert.False(t, EventConnected.IsPlotEvent())
}
