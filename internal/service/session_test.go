package service

import (
	"context"
	"testing"
	"time"

	"github.com/phonemesh/internal/conversation"
	bus "github.com/phonemesh/internal/delivery/memory"
	"github.com/phonemesh/internal/event"
	"github.com/phonemesh/internal/model"
	"github.com/phonemesh/internal/reconcile"
	"github.com/phonemesh/internal/registry"
	"github.com/phonemesh/internal/storage"
	storemem "github.com/phonemesh/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	aliceOwner = model.Owner{ID: "alice", DisplayName: "Alice", AvatarRef: "alice.png"}
	bobOwner   = model.Owner{ID: "bob", DisplayName: "Bob", AvatarRef: "bob.png"}

	d1 = registry.DeviceIDFor("alice", "phone")
	d2 = registry.DeviceIDFor("bob", "phone")
)

var fastRetry = reconcile.Policy{InitialInterval: time.Millisecond, MaxInterval: 10 * time.Millisecond, AttemptTimeout: time.Second}

type cluster struct {
	t     *testing.T
	bus   *bus.Bus
	store *storemem.Client
}

func newCluster(t *testing.T) *cluster {
	return &cluster{t: t, bus: bus.NewBus(), store: storemem.New()}
}

func (c *cluster) open(id string, owner model.OwnerID, authority bool, cache storage.LocalCache) (*Session, *bus.Endpoint, error) {
	ep := c.bus.Connect(id)
	s := New(Config{ClientID: id, OwnerID: owner, Authority: authority, Retry: fastRetry}, ep, c.store, cache)
	err := s.Start(context.Background())
	c.t.Cleanup(s.Close)
	return s, ep, err
}

func (c *cluster) client(id string, owner model.OwnerID, authority bool, cache storage.LocalCache) (*Session, *bus.Endpoint) {
	s, ep, err := c.open(id, owner, authority, cache)
	require.NoError(c.t, err)
	return s, ep
}

// world: ведущий и два игрока, у каждого по телефону.
func world(t *testing.T) (c *cluster, gm, alice, bob *Session) {
	t.Helper()
	c = newCluster(t)
	gm, _ = c.client("gm", "gm", true, nil)
	alice, _ = c.client("alice", "alice", false, storemem.NewCache())
	bob, _ = c.client("bob", "bob", false, storemem.NewCache())
	ctx := context.Background()
	id, err := gm.RegisterDevice(ctx, aliceOwner, model.DeviceMeta{ResourceID: "phone"})
	require.NoError(t, err)
	require.Equal(t, d1, id)
	id, err = gm.RegisterDevice(ctx, bobOwner, model.DeviceMeta{ResourceID: "phone"})
	require.NoError(t, err)
	require.Equal(t, d2, id)
	return c, gm, alice, bob
}

func texts(views []MessageView) []string {
	out := make([]string, len(views))
	for i, v := range views {
		out[i] = v.Text
	}
	return out
}

func TestSend_MutualContacts(t *testing.T) {
	_, gm, alice, bob := world(t)
	ctx := context.Background()

	m, err := alice.Send(ctx, d1, d2, "hi")
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)

	assert.Equal(t, []model.DeviceID{d2}, alice.ContactsOf(d1))
	assert.Equal(t, []model.DeviceID{d1}, bob.ContactsOf(d2))
	assert.Equal(t, []model.DeviceID{d2}, gm.ContactsOf(d1))
	assert.Equal(t, []model.DeviceID{d1}, gm.ContactsOf(d2))

	views, err := bob.Conversation(ctx, d2, d1, 0)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "hi", views[0].Text)
	assert.False(t, views[0].IsOwn)

	own, err := alice.Conversation(ctx, d1, d2, 0)
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.True(t, own[0].IsOwn)
	assert.Empty(t, alice.Pending(), "authority acknowledged the event")
}

func TestSend_UnknownAndForeignDevices(t *testing.T) {
	_, _, alice, _ := world(t)
	ctx := context.Background()

	_, err := alice.Send(ctx, d1, "ghost", "hi")
	assert.ErrorIs(t, err, ErrUnknownDevice)
	_, err = alice.AddContact(ctx, d1, "ghost")
	assert.ErrorIs(t, err, ErrUnknownDevice)

	_, err = alice.Send(ctx, d2, d1, "spoof")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestSend_InvalidMessageIsNotBroadcast(t *testing.T) {
	_, _, alice, bob := world(t)
	var updates []Update
	bob.OnUpdate(func(u Update) { updates = append(updates, u) })

	_, err := alice.Send(context.Background(), d1, d2, "   ")
	assert.ErrorIs(t, err, conversation.ErrInvalidMessage)
	assert.Empty(t, updates)
	assert.Empty(t, alice.Pending())
	assert.Empty(t, alice.ContactsOf(d1))
}

func TestRemoveContact_OneWayThenAutoReAdd(t *testing.T) {
	_, _, alice, bob := world(t)
	ctx := context.Background()
	_, err := alice.Send(ctx, d1, d2, "hi")
	require.NoError(t, err)

	removed, err := alice.RemoveContact(ctx, d1, d2)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Empty(t, alice.ContactsOf(d1))
	assert.Equal(t, []model.DeviceID{d1}, bob.ContactsOf(d2), "counterpart edge untouched")

	again, err := alice.RemoveContact(ctx, d1, d2)
	require.NoError(t, err)
	assert.False(t, again)

	_, err = bob.Send(ctx, d2, d1, "hey")
	require.NoError(t, err)
	assert.Equal(t, []model.DeviceID{d2}, alice.ContactsOf(d1))
}

func TestUnreadCountAndMarkRead(t *testing.T) {
	_, _, alice, _ := world(t)
	ctx := context.Background()
	key := conversation.Key(d1, d2)
	t0 := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	_, err := alice.MarkRead(ctx, d1, key, t0)
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		m := model.Message{ID: "m" + string(rune('0'+i)), SenderID: d2, ReceiverID: d1, Text: "ping", Timestamp: t0.Add(time.Duration(i) * time.Minute)}
		require.NoError(t, alice.Apply(ctx, event.New("bob", event.MessageSent{Message: m})))
	}
	n, err := alice.UnreadCount(d1, d2)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	advanced, err := alice.MarkRead(ctx, d1, key, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, advanced)
	n, _ = alice.UnreadCount(d1, d2)
	assert.Equal(t, 1, n)

	stale, err := alice.MarkRead(ctx, d1, key, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, stale, "watermark never moves back")
	n, _ = alice.UnreadCount(d1, d2)
	assert.Equal(t, 1, n)

	contacts, err := alice.Contacts(ctx, d1)
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, 1, contacts[0].Unread)
	require.NotNil(t, contacts[0].Last)
	assert.Equal(t, "m3", contacts[0].Last.ID)
}

func TestOfflineSendReconcilesWithoutDuplicates(t *testing.T) {
	_, gm, alice, bob := world(t)
	ctx := context.Background()
	aliceEP := alice.pub.(*bus.Endpoint)
	aliceEP.SetOnline(false)
	m, err := alice.Send(ctx, d1, d2, "while offline")
	require.NoError(t, err, "local write succeeds without the relay")
	require.Len(t, alice.Pending(), 1)

	gmView, err := gm.Conversation(ctx, d1, d2, 0)
	require.NoError(t, err)
	assert.Empty(t, gmView)

	aliceEP.SetOnline(true)
	require.NoError(t, alice.Resync(ctx))
	assert.Empty(t, alice.Pending())

	for i := 0; i < 2; i++ {
		gmView, err = gm.Conversation(ctx, d1, d2, 0)
		require.NoError(t, err)
		require.Len(t, gmView, 1)
		assert.Equal(t, m.ID, gmView[0].ID)

		own, err := alice.Conversation(ctx, d1, d2, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"while offline"}, texts(own))

		theirs, err := bob.Conversation(ctx, d2, d1, 0)
		require.NoError(t, err)
		assert.Len(t, theirs, 1)

		require.NoError(t, alice.Resync(ctx))
	}
}

func TestDeleteIsOneWay(t *testing.T) {
	c, gm, alice, bob := world(t)
	ctx := context.Background()
	m, err := alice.Send(ctx, d1, d2, "oops")
	require.NoError(t, err)

	n, err := alice.DeleteMessages(ctx, d1, conversation.Key(d1, d2), []string{m.ID, "missing"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	own, _ := alice.Conversation(ctx, d1, d2, 0)
	assert.Empty(t, own)
	theirs, _ := bob.Conversation(ctx, d2, d1, 0)
	assert.Equal(t, []string{"oops"}, texts(theirs))

	snap, err := c.store.Load(ctx)
	require.NoError(t, err)
	key := conversation.Key(d1, d2)
	assert.Empty(t, snap.States[d1].Conversations[key])
	assert.Len(t, snap.States[d2].Conversations[key], 1)

	gmView, _ := gm.Conversation(ctx, d2, d1, 0)
	assert.Len(t, gmView, 1)
}

func TestClearConversationReplayKeepsNewerMessages(t *testing.T) {
	_, _, alice, _ := world(t)
	ctx := context.Background()
	key := conversation.Key(d1, d2)
	t0 := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	old := model.Message{ID: "old", SenderID: d2, ReceiverID: d1, Text: "old", Timestamp: t0}
	require.NoError(t, alice.Apply(ctx, event.New("bob", event.MessageSent{Message: old})))

	n, err := alice.ClearConversation(ctx, d1, key)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	pending := alice.Pending()
	assert.Empty(t, pending, "authority acknowledged the clear")

	fresh := model.Message{ID: "fresh", SenderID: d2, ReceiverID: d1, Text: "fresh", Timestamp: t0.Add(time.Hour)}
	require.NoError(t, alice.Apply(ctx, event.New("bob", event.MessageSent{Message: fresh})))

	replay := event.New("elsewhere", event.ConversationCleared{DeviceID: d1, Key: key, UpTo: t0})
	require.NoError(t, alice.Apply(ctx, replay))
	views, _ := alice.Conversation(ctx, d1, d2, 0)
	assert.Equal(t, []string{"fresh"}, texts(views))

	n, err = alice.ClearAll(ctx, d1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	inbox, err := alice.Inbox(ctx, d1)
	require.NoError(t, err)
	assert.Empty(t, inbox)
}

func TestAuthorityPersistFailureRollsBack(t *testing.T) {
	c, gm, _, bob := world(t)
	ctx := context.Background()
	var updates int
	bob.OnUpdate(func(Update) { updates++ })

	c.store.SetAvailable(false)
	_, err := gm.Send(ctx, d1, d2, "not durable")
	require.ErrorIs(t, err, ErrNotSent)
	assert.ErrorIs(t, err, storage.ErrSyncUnavailable)

	assert.Empty(t, gm.ContactsOf(d1))
	assert.Empty(t, gm.ContactsOf(d2))
	views, err := gm.Conversation(ctx, d1, d2, 0)
	require.NoError(t, err)
	assert.Empty(t, views)
	assert.Zero(t, updates, "nothing broadcast")
}

func TestApply_IdempotentAndScoped(t *testing.T) {
	_, _, alice, bob := world(t)
	ctx := context.Background()
	m := model.Message{ID: "dup", SenderID: d2, ReceiverID: d1, Text: "twice", Timestamp: time.Now().UTC()}
	env := event.New("bob", event.MessageSent{Message: m})
	require.NoError(t, alice.Apply(ctx, env))
	require.NoError(t, alice.Apply(ctx, env))
	views, _ := alice.Conversation(ctx, d1, d2, 0)
	assert.Len(t, views, 1)

	// Событие для чужого устройства: no-op.
	foreign := event.New("alice", event.ContactChanged{DeviceID: d1, ContactID: d2, Action: event.ContactRemoved})
	require.NoError(t, bob.Apply(ctx, foreign))
	assert.Empty(t, bob.ContactsOf(d1))

	// Собственное эхо игнорируется.
	echo := event.New("alice", event.ContactChanged{DeviceID: d1, ContactID: d2, Action: event.ContactRemoved})
	require.NoError(t, alice.Apply(ctx, echo))
	assert.Equal(t, []model.DeviceID{d2}, alice.ContactsOf(d1))
}

func TestOnUpdateNotifiesReceiver(t *testing.T) {
	_, _, alice, bob := world(t)
	var got []Update
	cancel := bob.OnUpdate(func(u Update) { got = append(got, u) })

	_, err := alice.Send(context.Background(), d1, d2, "ping")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, UpdateMessages, got[0].Kind)
	assert.Equal(t, conversation.Key(d1, d2), got[0].Key)
	assert.Equal(t, []model.DeviceID{d2}, got[0].Devices)

	cancel()
	_, err = alice.Send(context.Background(), d1, d2, "pong")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestRegisterDevice_ClientScope(t *testing.T) {
	c, gm, alice, bob := world(t)
	ctx := context.Background()

	_, err := alice.RegisterDevice(ctx, bobOwner, model.DeviceMeta{ResourceID: "tablet"})
	assert.ErrorIs(t, err, ErrForbidden)

	id, err := alice.RegisterDevice(ctx, aliceOwner, model.DeviceMeta{ResourceID: "tablet", Address: "555-7777"})
	require.NoError(t, err)
	assert.Empty(t, alice.Pending())

	found, err := bob.Lookup("555-7777")
	require.NoError(t, err)
	assert.Equal(t, id, found.ID)
	_, err = gm.Lookup("555-7777")
	require.NoError(t, err)

	snap, err := c.store.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Devices, 3)

	again, err := alice.RegisterDevice(ctx, aliceOwner, model.DeviceMeta{ResourceID: "tablet"})
	require.NoError(t, err)
	assert.Equal(t, id, again)

	msg, err := bob.SendToAddress(ctx, d2, "555-7777", "new phone?")
	require.NoError(t, err)
	assert.Equal(t, id, msg.ReceiverID)
}

func TestUnregisterOwnerTombstonesDevices(t *testing.T) {
	_, gm, alice, _ := world(t)
	ctx := context.Background()
	_, err := alice.Send(ctx, d1, d2, "bye")
	require.NoError(t, err)

	_, err = alice.UnregisterOwner(ctx, "bob")
	assert.ErrorIs(t, err, ErrForbidden)

	removed, err := gm.UnregisterOwner(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []model.DeviceID{d2}, removed)

	assert.Empty(t, alice.ContactsOf(d1))
	_, err = alice.Send(ctx, d1, d2, "anyone?")
	assert.ErrorIs(t, err, ErrUnknownDevice)

	views, err := alice.Conversation(ctx, d1, d2, 0)
	require.NoError(t, err, "history with a removed device stays readable")
	assert.Len(t, views, 1)
}

func TestLocalCacheSurvivesRestart(t *testing.T) {
	c, _, _, _ := world(t)
	ctx := context.Background()
	cache := storemem.NewCache()
	first, _ := c.client("carol", "alice", false, cache)
	_, err := first.Send(ctx, d1, d2, "remember me")
	require.NoError(t, err)
	first.Close()

	c.store.SetAvailable(false)
	second, _, err := c.open("carol", "alice", false, cache)
	require.ErrorIs(t, err, storage.ErrSyncUnavailable)

	views, err := second.Conversation(ctx, d1, d2, 0)
	require.NoError(t, err)
	assert.Contains(t, texts(views), "remember me")
}

func TestSetAuthorityPersistsPendingState(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()
	alice, _ := c.client("alice", "alice", false, storemem.NewCache())
	_, err := alice.RegisterDevice(ctx, aliceOwner, model.DeviceMeta{ResourceID: "phone"})
	require.NoError(t, err)
	require.Len(t, alice.Pending(), 1, "no authority online")

	require.NoError(t, alice.SetAuthority(ctx, true))
	assert.True(t, alice.IsAuthority())
	assert.Empty(t, alice.Pending())

	snap, err := c.store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Devices, 1)
	assert.Equal(t, d1, snap.Devices[0].ID)
}

func TestOwnerFeedPropagatesNames(t *testing.T) {
	c, gm, _, _ := world(t)
	feed := NewOwnerFeed()
	gm.BindOwners(feed)

	feed.Publish(model.Owner{ID: "alice", DisplayName: "Alicia", AvatarRef: "new.png"})
	d, err := gm.Registry().Get(d1)
	require.NoError(t, err)
	assert.Equal(t, "Alicia", d.DisplayName)

	snap, err := c.store.Load(context.Background())
	require.NoError(t, err)
	for _, dev := range snap.Devices {
		if dev.ID == d1 {
			assert.Equal(t, "Alicia", dev.DisplayName)
		}
	}
}

func TestReRegisteredDeviceRevivesOnEveryClient(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()
	gm, _ := c.client("gm", "gm", true, nil)
	cache := storemem.NewCache()
	alice, _ := c.client("alice", "alice", false, cache)
	bob, _ := c.client("bob", "bob", false, storemem.NewCache())
	_, err := gm.RegisterDevice(ctx, aliceOwner, model.DeviceMeta{ResourceID: "phone"})
	require.NoError(t, err)
	_, err = gm.RegisterDevice(ctx, bobOwner, model.DeviceMeta{ResourceID: "phone"})
	require.NoError(t, err)
	_, err = alice.Send(ctx, d1, d2, "before")
	require.NoError(t, err)
	_, ok, err := cache.LoadDevice(ctx, d1)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = gm.UnregisterOwner(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, alice.Registry().IsLive(d1))
	_, ok, err = cache.LoadDevice(ctx, d1)
	require.NoError(t, err)
	assert.False(t, ok, "local copy of a removed device is dropped")

	id, err := gm.RegisterDevice(ctx, aliceOwner, model.DeviceMeta{ResourceID: "phone"})
	require.NoError(t, err)
	require.Equal(t, d1, id)
	assert.True(t, alice.Registry().IsLive(d1))
	assert.True(t, bob.Registry().IsLive(d1))

	_, err = alice.Send(ctx, d1, d2, "back again")
	require.NoError(t, err)
	assert.Empty(t, alice.Pending())
	theirs, err := bob.Conversation(ctx, d2, d1, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"before", "back again"}, texts(theirs))

	require.NoError(t, alice.Resync(ctx))
	assert.True(t, alice.Registry().IsLive(d1))
}

func TestReturningAuthorityCollectsPendingWrites(t *testing.T) {
	c, gm, alice, bob := world(t)
	ctx := context.Background()
	gmEP := gm.pub.(*bus.Endpoint)
	gmEP.SetOnline(false)

	m, err := alice.Send(ctx, d1, d2, "while gm is away")
	require.NoError(t, err)
	require.Len(t, alice.Pending(), 1)
	theirs, _ := bob.Conversation(ctx, d2, d1, 0)
	assert.Len(t, theirs, 1, "peers still receive the broadcast")

	gmEP.SetOnline(true)
	require.NoError(t, gm.Resync(ctx))

	assert.Empty(t, alice.Pending())
	snap, err := c.store.Load(ctx)
	require.NoError(t, err)
	stored := snap.States[d1].Conversations[conversation.Key(d1, d2)]
	require.Len(t, stored, 1)
	assert.Equal(t, m.ID, stored[0].ID)
	theirs, _ = bob.Conversation(ctx, d2, d1, 0)
	assert.Len(t, theirs, 1, "re-sent event is not duplicated")
}
