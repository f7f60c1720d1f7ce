package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchSubject(t *testing.T) {
	cases := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"fleet.home.transition", "fleet.home.transition", true},
		{"fleet.home.transition", "fleet.task.state", false},
		{"fleet.*.transition", "fleet.home.transition", true},
		{"fleet.*", "fleet.home.transition", false},
		{"fleet.>", "fleet.home.transition", true},
		{"fleet.>", "fleet.task.state", true},
		{">", "anything.at.all", true},
		{"fleet.home.>", "fleet.home", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, matchSubject(tc.pattern, tc.subject),
			"pattern=%s subject=%s", tc.pattern, tc.subject)
	}
}

func TestMemoryBusPublishSubscribe(t *testing.T) {
	b := NewMemoryBus()
	defer func() { _ = b.Close() }()

	received := make(chan Event, 1)
	unsub, err := b.Subscribe(SubjectChannelMessage, func(e Event) { received <- e })
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), SubjectChannelMessage,
		ChannelMessageEvent{ChannelID: "proj", Seq: 1, AgentID: "alice"}))

	select {
	case e := <-received:
		payload, ok := e.Payload.(ChannelMessageEvent)
		require.True(t, ok)
		assert.Equal(t, "proj", payload.ChannelID)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	unsub()
	require.NoError(t, b.Publish(context.Background(), SubjectChannelMessage, nil))
	select {
	case <-received:
		t.Fatal("event delivered after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusWildcardFanOut(t *testing.T) {
	b := NewMemoryBus()
	defer func() { _ = b.Close() }()

	var mu sync.Mutex
	var subjects []string
	done := make(chan struct{}, 4)
	_, err := b.Subscribe("fleet.>", func(e Event) {
		mu.Lock()
		subjects = append(subjects, e.Subject)
		mu.Unlock()
		done <- struct{}{}
	})
	require.NoError(t, err)

	for _, subject := range []string{
		SubjectHomeTransition, SubjectTaskState, SubjectChannelMessage, SubjectMigrationPhase,
	} {
		require.NoError(t, b.Publish(context.Background(), subject, nil))
	}
	for i := 0; i < 4; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("missing delivery")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, subjects, 4)
}
