package unread

import (
	"fmt"
	"testing"
	"time"

	"github.com/phonemesh/internal/contacts"
	"github.com/phonemesh/internal/conversation"
	"github.com/phonemesh/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	d1 model.DeviceID = "d1"
	d2 model.DeviceID = "d2"
	d3 model.DeviceID = "d3"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setup() (*conversation.Store, *contacts.Graph, *Tracker) {
	s := conversation.NewStore()
	g := contacts.NewGraph(nil)
	return s, g, NewTracker(s, g)
}

func deliver(t *testing.T, s *conversation.Store, g *contacts.Graph, id string, from, to model.DeviceID, at time.Time) {
	t.Helper()
	key := model.KeyOf(from, to)
	m := model.Message{ID: id, SenderID: from, ReceiverID: to, Text: "hello", Timestamp: at}
	for _, owner := range []model.DeviceID{from, to} {
		_, _, err := s.Append(owner, key, m)
		require.NoError(t, err)
	}
	g.EnsureMutual(from, to)
}

func TestUnreadScenario(t *testing.T) {
	s, g, tr := setup()
	key := model.KeyOf(d1, d2)
	tr.MarkRead(d1, key, t0)
	for i := 1; i <= 3; i++ {
		deliver(t, s, g, fmt.Sprintf("m%d", i), d2, d1, t0.Add(time.Duration(i)*time.Minute))
	}
	assert.Equal(t, 3, tr.UnreadCount(d1, key))

	tr.MarkRead(d1, key, t0.Add(2*time.Minute))
	assert.Equal(t, 1, tr.UnreadCount(d1, key))

	msgs := s.Get(d1, key, 0)
	assert.True(t, msgs[0].Read)
	assert.True(t, msgs[1].Read)
	assert.False(t, msgs[2].Read)
}

func TestMarkRead_NeverMovesBackward(t *testing.T) {
	s, g, tr := setup()
	key := model.KeyOf(d1, d2)
	deliver(t, s, g, "m1", d2, d1, t0.Add(time.Minute))

	assert.True(t, tr.MarkRead(d1, key, t0.Add(2*time.Minute)))
	assert.False(t, tr.MarkRead(d1, key, t0), "stale replay")
	assert.Equal(t, t0.Add(2*time.Minute), tr.Watermark(d1, key))
	assert.Equal(t, 0, tr.UnreadCount(d1, key))
}

func TestUnreadCount_IgnoresOwnMessages(t *testing.T) {
	s, g, tr := setup()
	key := model.KeyOf(d1, d2)
	deliver(t, s, g, "own", d1, d2, t0)
	assert.Equal(t, 0, tr.UnreadCount(d1, key))
	assert.Equal(t, 1, tr.UnreadCount(d2, key))
}

func TestUnreadCountsForDevice(t *testing.T) {
	s, g, tr := setup()
	deliver(t, s, g, "a", d2, d1, t0)
	deliver(t, s, g, "b", d3, d1, t0)
	deliver(t, s, g, "c", d3, d1, t0.Add(time.Second))

	assert.Equal(t, map[model.DeviceID]int{d2: 1, d3: 2}, tr.UnreadCountsForDevice(d1))
}

func TestImport_MaxSemantics(t *testing.T) {
	_, _, tr := setup()
	key := model.KeyOf(d1, d2)
	tr.MarkRead(d1, key, t0.Add(time.Hour))
	tr.Import(d1, map[model.ConversationKey]time.Time{key: t0})
	assert.Equal(t, t0.Add(time.Hour), tr.Export(d1)[key])
}
