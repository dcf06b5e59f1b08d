package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	bus "github.com/phonemesh/internal/delivery/memory"
	"github.com/phonemesh/internal/middleware"
	"github.com/phonemesh/internal/model"
	"github.com/phonemesh/internal/reconcile"
	"github.com/phonemesh/internal/registry"
	"github.com/phonemesh/internal/service"
	storemem "github.com/phonemesh/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	d1 = registry.DeviceIDFor("alice", "phone")
	d2 = registry.DeviceIDFor("bob", "phone")
)

type env struct {
	srv     *httptest.Server
	session *service.Session
	feed    *service.OwnerFeed
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ep := bus.NewBus().Connect("gm")
	s := service.New(service.Config{
		ClientID:  "gm",
		OwnerID:   "gm",
		Authority: true,
		Retry:     reconcile.Policy{InitialInterval: time.Millisecond, MaxInterval: 10 * time.Millisecond, AttemptTimeout: time.Second},
	}, ep, storemem.New(), nil)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Close)

	feed := service.NewOwnerFeed()
	s.BindOwners(feed)

	r := chi.NewRouter()
	r.Use(middleware.RecoverJSON)
	r.Route("/api", func(r chi.Router) {
		NewSessionHandler(s).Routes(r)
		r.Get("/updates", NewUpdatesHandler(s, "*").ServeWS)
	})
	r.Route("/internal", func(r chi.Router) {
		r.Use(middleware.InternalOnly(""))
		NewOwnersHandler(s, feed).Routes(r)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &env{srv: srv, session: s, feed: feed}
}

func (e *env) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (e *env) register(t *testing.T, owner, name string) model.Device {
	t.Helper()
	var d model.Device
	code := e.do(t, http.MethodPost, "/api/devices", registerRequest{
		Owner: model.Owner{ID: model.OwnerID(owner), DisplayName: name},
		Meta:  model.DeviceMeta{ResourceID: "phone"},
	}, &d)
	require.Equal(t, http.StatusCreated, code)
	return d
}

func TestSessionAPI_SendAndRead(t *testing.T) {
	e := newEnv(t)
	alice := e.register(t, "alice", "Alice")
	bob := e.register(t, "bob", "Bob")
	require.Equal(t, d1, alice.ID)
	require.Equal(t, d2, bob.ID)

	var msg model.Message
	code := e.do(t, http.MethodPost, "/api/devices/"+string(d1)+"/messages", sendRequest{To: d2, Text: "hi"}, &msg)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "hi", msg.Text)

	code = e.do(t, http.MethodPost, "/api/devices/"+string(d2)+"/messages", sendRequest{Address: alice.Address, Text: "hey"}, nil)
	require.Equal(t, http.StatusCreated, code)

	var history []service.MessageView
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/devices/"+string(d1)+"/conversations/"+string(d2), nil, &history))
	require.Len(t, history, 2)
	assert.True(t, history[0].IsOwn)
	assert.False(t, history[1].IsOwn)

	var unread map[string]int
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/devices/"+string(d1)+"/conversations/"+string(d2)+"/unread", nil, &unread))
	assert.Equal(t, 1, unread["unread"])

	var moved map[string]bool
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/api/devices/"+string(d1)+"/conversations/"+string(d2)+"/read", nil, &moved))
	assert.True(t, moved["moved"])

	var contacts []service.ContactView
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/devices/"+string(d1)+"/contacts", nil, &contacts))
	require.Len(t, contacts, 1)
	assert.Equal(t, "Bob", contacts[0].Device.DisplayName)
	assert.Equal(t, 0, contacts[0].Unread)

	var inbox []service.InboxEntry
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/devices/"+string(d2)+"/inbox", nil, &inbox))
	require.Len(t, inbox, 1)
	assert.Equal(t, "hey", inbox[0].Last.Text)
}

func TestSessionAPI_Errors(t *testing.T) {
	e := newEnv(t)
	e.register(t, "alice", "Alice")

	code := e.do(t, http.MethodPost, "/api/devices/"+string(d1)+"/messages", sendRequest{To: "nobody", Text: "hi"}, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code = e.do(t, http.MethodPost, "/api/devices/"+string(d1)+"/messages", sendRequest{Text: "hi"}, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code = e.do(t, http.MethodGet, "/api/devices/lookup?address=000-0000", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code = e.do(t, http.MethodPost, "/api/devices", map[string]any{"bogus": true}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSessionAPI_ContactsDeleteClear(t *testing.T) {
	e := newEnv(t)
	e.register(t, "alice", "Alice")
	bob := e.register(t, "bob", "Bob")

	var added map[string]bool
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/api/devices/"+string(d1)+"/contacts", contactRequest{Address: bob.Address}, &added))
	assert.True(t, added["added"])

	var removed map[string]bool
	require.Equal(t, http.StatusOK, e.do(t, http.MethodDelete, "/api/devices/"+string(d1)+"/contacts/"+string(d2), nil, &removed))
	assert.True(t, removed["removed"])
	assert.Empty(t, e.session.ContactsOf(d1))

	var m1, m2 model.Message
	e.do(t, http.MethodPost, "/api/devices/"+string(d1)+"/messages", sendRequest{To: d2, Text: "one"}, &m1)
	e.do(t, http.MethodPost, "/api/devices/"+string(d1)+"/messages", sendRequest{To: d2, Text: "two"}, &m2)

	var deleted map[string]int
	path := "/api/devices/" + string(d1) + "/conversations/" + string(d2)
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, path+"/delete", deleteRequest{IDs: []string{m1.ID}}, &deleted))
	assert.Equal(t, 1, deleted["deleted"])

	require.Equal(t, http.StatusOK, e.do(t, http.MethodDelete, path, nil, &deleted))
	assert.Equal(t, 1, deleted["deleted"])

	// копия собеседника не тронута
	var history []service.MessageView
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/devices/"+string(d2)+"/conversations/"+string(d1), nil, &history))
	assert.Len(t, history, 2)

	require.Equal(t, http.StatusOK, e.do(t, http.MethodDelete, "/api/devices/"+string(d2)+"/conversations", nil, &deleted))
	assert.Equal(t, 2, deleted["deleted"])
}

func TestInternalAPI_Owners(t *testing.T) {
	e := newEnv(t)
	e.register(t, "alice", "Alice")

	code := e.do(t, http.MethodPost, "/internal/owners", model.Owner{ID: "alice", DisplayName: "Alicia"}, nil)
	require.Equal(t, http.StatusNoContent, code)
	d, err := e.session.Registry().Get(d1)
	require.NoError(t, err)
	assert.Equal(t, "Alicia", d.DisplayName)

	var out map[string][]model.DeviceID
	require.Equal(t, http.StatusOK, e.do(t, http.MethodDelete, "/internal/owners/alice", nil, &out))
	assert.Equal(t, []model.DeviceID{d1}, out["removed"])
	assert.False(t, e.session.Registry().IsLive(d1))
}

func TestUpdatesStream(t *testing.T) {
	e := newEnv(t)
	e.register(t, "alice", "Alice")
	e.register(t, "bob", "Bob")

	wsURL := "ws" + e.srv.URL[len("http"):] + "/api/updates"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// подписка появляется после upgrade асинхронно, поэтому шлём, пока не придёт первое обновление
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_, _ = e.session.Send(context.Background(), d1, d2, "ping")
			}
		}
	}()

	// первая отправка сначала синхронизирует устройство, и в поток раньше приходит "sync"
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var u service.Update
	for {
		var next service.Update
		require.NoError(t, conn.ReadJSON(&next))
		if next.Kind == service.UpdateMessages {
			u = next
			break
		}
	}
	assert.Equal(t, model.KeyOf(d1, d2), u.Key)
}
