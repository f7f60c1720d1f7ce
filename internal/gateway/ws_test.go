package gateway

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flocklabs/flock/internal/events/bus"
)

func newHubClient() *wsClient {
	return &wsClient{send: make(chan []byte, 4), subscriptions: make(map[string]bool)}
}

func TestChannelMessagePayloadDecoding(t *testing.T) {
	typed := bus.ChannelMessageEvent{ChannelID: "proj", Seq: 3, AgentID: "alice", Content: "hi"}

	got, decoded := channelMessagePayload(typed)
	require.True(t, decoded)
	assert.Equal(t, typed, got)

	got, decoded = channelMessagePayload(&typed)
	require.True(t, decoded)
	assert.Equal(t, typed, got)

	// events arriving over the wire carry the payload as a generic map
	data, err := json.Marshal(bus.Event{Subject: bus.SubjectChannelMessage, Payload: typed})
	require.NoError(t, err)
	var wire bus.Event
	require.NoError(t, json.Unmarshal(data, &wire))
	_, isMap := wire.Payload.(map[string]any)
	require.True(t, isMap, "JSON round-trip yields a map payload")

	got, decoded = channelMessagePayload(wire.Payload)
	require.True(t, decoded)
	assert.Equal(t, typed, got)

	_, decoded = channelMessagePayload(map[string]any{"foo": "bar"})
	assert.False(t, decoded, "payloads without a channel id do not decode")
}

func TestDeliverScopesWireDecodedChannelMessages(t *testing.T) {
	h := NewHub(nil, nil)
	subscriber := newHubClient()
	bystander := newHubClient()
	h.clients[subscriber] = true
	h.clients[bystander] = true
	h.subscribe(subscriber, "proj")

	// simulate a remote-bus delivery: the event has been through JSON
	data, err := json.Marshal(bus.Event{
		Subject:   bus.SubjectChannelMessage,
		Timestamp: time.Now().UTC(),
		Payload:   bus.ChannelMessageEvent{ChannelID: "proj", Seq: 1, AgentID: "alice", Content: "hi"},
	})
	require.NoError(t, err)
	var event bus.Event
	require.NoError(t, json.Unmarshal(data, &event))

	h.deliver(event)
	assert.Len(t, subscriber.send, 1, "subscriber receives the channel message")
	assert.Len(t, bystander.send, 0, "channel messages stay scoped to subscribers")

	// messages for other channels reach nobody
	h.deliver(bus.Event{
		Subject: bus.SubjectChannelMessage,
		Payload: bus.ChannelMessageEvent{ChannelID: "other", Seq: 1, AgentID: "bob", Content: "x"},
	})
	assert.Len(t, subscriber.send, 1)
	assert.Len(t, bystander.send, 0)

	// non-channel fleet events broadcast to every client
	h.deliver(bus.Event{Subject: bus.SubjectHomeTransition, Payload: map[string]any{"homeId": "alice@n1"}})
	assert.Len(t, subscriber.send, 2)
	assert.Len(t, bystander.send, 1)
}
