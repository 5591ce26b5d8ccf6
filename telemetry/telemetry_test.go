package telemetry

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbe-lab/staibctl/ebeam"
)

func TestRenderChannelWritesAreRetained(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	msg := Render("staib", ebeam.Event{
		Kind:    ebeam.EventRamp,
		Channel: "ENERGY",
		Voltage: 8.54,
		At:      at,
	})

	assert.Equal(t, "staib/channel/ENERGY", msg.Topic)
	assert.True(t, msg.Retain, "a dashboard connecting late should see the last value")

	var payload struct {
		Voltage float64   `json:"voltage"`
		At      time.Time `json:"at"`
	}
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, 8.54, payload.Voltage)
	assert.True(t, at.Equal(payload.At))
}

func TestRenderDirectWriteUsesChannelTopic(t *testing.T) {
	msg := Render("staib", ebeam.Event{Kind: ebeam.EventWrite, Channel: "GRID", Voltage: 3.23})
	assert.Equal(t, "staib/channel/GRID", msg.Topic)
	assert.True(t, msg.Retain)
}

func TestRenderStatusEvents(t *testing.T) {
	msg := Render("staib", ebeam.Event{Kind: ebeam.EventHandover, Message: "computer control on"})
	assert.Equal(t, "staib/event", msg.Topic)
	assert.False(t, msg.Retain, "status events are momentary, not state")

	var ev ebeam.Event
	require.NoError(t, json.Unmarshal(msg.Payload, &ev))
	assert.Equal(t, ebeam.EventHandover, ev.Kind)
	assert.Equal(t, "computer control on", ev.Message)
}

func TestRenderDefaultsTopicRoot(t *testing.T) {
	msg := Render("", ebeam.Event{Kind: ebeam.EventShutdown, Message: "complete"})
	assert.Equal(t, "staib/event", msg.Topic)
}
