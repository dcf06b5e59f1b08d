// Package service содержит клиентское ядро: одна Session на клиента связывает реестр, беседы,
// контакты, отметки прочтения, транспорт событий и хранилища.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/phonemesh/internal/contacts"
	"github.com/phonemesh/internal/conversation"
	"github.com/phonemesh/internal/delivery"
	"github.com/phonemesh/internal/event"
	"github.com/phonemesh/internal/logger"
	"github.com/phonemesh/internal/metrics"
	"github.com/phonemesh/internal/model"
	"github.com/phonemesh/internal/reconcile"
	"github.com/phonemesh/internal/registry"
	"github.com/phonemesh/internal/storage"
	"github.com/phonemesh/internal/unread"
)

var (
	// ErrNotSent: сообщение не записано (сбой хранилища). Причина доступна через errors.Is/Unwrap.
	ErrNotSent = errors.New("message not sent")
	// ErrUnknownDevice — «контакт не найден».
	ErrUnknownDevice = registry.ErrUnknownDevice
	// ErrForbidden: устройство не принадлежит этому клиенту.
	ErrForbidden = errors.New("device not accessible")
	// errNotLoaded — ведущий ещё не прочитал снимок; запись затёрла бы чужие данные.
	errNotLoaded = fmt.Errorf("snapshot not loaded: %w", storage.ErrSyncUnavailable)
)

// Config: параметры клиента.
type Config struct {
	ClientID  string
	OwnerID   model.OwnerID
	Authority bool
	Retry     reconcile.Policy
}

// UpdateKind — что изменилось; UI перечитывает соответствующую модель.
type UpdateKind string

const (
	UpdateMessages UpdateKind = "messages"
	UpdateContacts UpdateKind = "contacts"
	UpdateRead     UpdateKind = "read"
	UpdateDevices  UpdateKind = "devices"
	UpdateSync     UpdateKind = "sync"
)

type Update struct {
	Kind    UpdateKind            `json:"kind"`
	Devices []model.DeviceID      `json:"devices,omitempty"`
	Key     model.ConversationKey `json:"key,omitempty"`
}

type Session struct {
	cfg Config

	reg     *registry.Registry
	store   *conversation.Store
	graph   *contacts.Graph
	tracker *unread.Tracker

	pub   delivery.Publisher
	auth  storage.AuthoritativeStore
	cache storage.LocalCache
	rec   *reconcile.Reconciler

	// mu сериализует цикл клиента: локальные операции, входящие события, слияния.
	mu        sync.Mutex
	authority bool
	loaded    bool
	dirty     bool
	synced    map[model.DeviceID]bool
	hydrated  map[model.DeviceID]bool
	outbox    []event.Envelope

	obsMu     sync.Mutex
	observers map[int]func(Update)
	nextObs   int

	unsub []func()
}

// New собирает сессию. cache может быть nil (ведущему локальный кеш не нужен).
func New(cfg Config, pub delivery.Publisher, auth storage.AuthoritativeStore, cache storage.LocalCache) *Session {
	if cfg.Retry == (reconcile.Policy{}) {
		cfg.Retry = reconcile.DefaultPolicy()
	}
	reg := registry.New()
	store := conversation.NewStore()
	graph := contacts.NewGraph(reg.IsLive)
	s := &Session{
		cfg:       cfg,
		reg:       reg,
		store:     store,
		graph:     graph,
		tracker:   unread.NewTracker(store, graph),
		pub:       pub,
		auth:      auth,
		cache:     cache,
		authority: cfg.Authority,
		synced:    make(map[model.DeviceID]bool),
		hydrated:  make(map[model.DeviceID]bool),
		observers: make(map[int]func(Update)),
	}
	s.rec = reconcile.New(auth, s, cfg.Retry)
	return s
}

// Registry: реестр сессии (привязка источника владельцев).
func (s *Session) Registry() *registry.Registry { return s.reg }

// ClientID — id клиента в транспорте.
func (s *Session) ClientID() string { return s.cfg.ClientID }

// Start подписывается на транспорт, поднимает локальный кеш и делает первую синхронизацию.
// Ошибка синхронизации не фатальна: повтор уже запланирован.
func (s *Session) Start(ctx context.Context) error {
	s.unsub = append(s.unsub, s.pub.Subscribe(func(ctx context.Context, env event.Envelope) {
		if err := s.Apply(ctx, env); err != nil {
			logger.Errorf("session: apply %s %s: %v", env.Type, env.ID, err)
		}
	}))
	s.unsub = append(s.unsub, s.reg.Subscribe(s.cfg.OwnerID, func(d model.Device) {
		s.notify(Update{Kind: UpdateDevices, Devices: []model.DeviceID{d.ID}})
	}))

	if s.cache != nil {
		devices, err := s.cache.LoadRegistry(ctx)
		if err != nil {
			logger.Errorf("session: load cached registry: %v", err)
		}
		s.reg.Merge(devices)
	}
	if err := s.rec.Reconcile(ctx); err != nil {
		return fmt.Errorf("session.Start: %w", err)
	}
	return nil
}

// Close отписывается от транспорта и останавливает повторы синхронизации.
func (s *Session) Close() {
	for _, fn := range s.unsub {
		fn()
	}
	s.unsub = nil
	s.rec.Close()
}

// Reset сбрасывает всё локальное состояние сессии (смена мира/сцены).
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store.Reset()
	s.graph.Reset()
	s.tracker.Reset()
	s.reg.Init()
	s.synced = make(map[model.DeviceID]bool)
	s.hydrated = make(map[model.DeviceID]bool)
	s.outbox = nil
	s.loaded = false
	metrics.OutboxSize.Set(0)
}

func (s *Session) caller() model.Caller {
	return model.Caller{OwnerID: s.cfg.OwnerID, Authority: s.authority}
}

// Caller: права клиента для границы доступа реестра.
func (s *Session) Caller() model.Caller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caller()
}

// owns — клиент отвечает за состояние устройства. Вызывать под s.mu.
func (s *Session) owns(id model.DeviceID) bool {
	return s.reg.CanAccess(s.caller(), id)
}

func (s *Session) ownedDevices() []model.DeviceID {
	devs := s.reg.ListAccessibleDevices(s.caller())
	out := make([]model.DeviceID, 0, len(devs))
	for _, d := range devs {
		out = append(out, d.ID)
	}
	return out
}

// IsAuthority: ведущий ли клиент.
func (s *Session) IsAuthority() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authority
}

// SetAuthority передаёт клиенту роль ведущего (или снимает её). Новый ведущий сначала
// читает снимок целиком и только потом пишет.
func (s *Session) SetAuthority(ctx context.Context, on bool) error {
	s.mu.Lock()
	if s.authority == on {
		s.mu.Unlock()
		return nil
	}
	s.authority = on
	s.loaded = false
	s.mu.Unlock()
	logger.Infof("session %s: authority=%v", s.cfg.ClientID, on)
	if !on {
		return nil
	}
	return s.rec.Reconcile(ctx)
}

// OnUpdate подписывает UI на изменения состояния.
func (s *Session) OnUpdate(fn func(Update)) (cancel func()) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	return func() {
		s.obsMu.Lock()
		defer s.obsMu.Unlock()
		delete(s.observers, id)
	}
}

// notify вызывается вне s.mu.
func (s *Session) notify(u Update) {
	s.obsMu.Lock()
	ids := make([]int, 0, len(s.observers))
	for id := range s.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Update), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.observers[id])
	}
	s.obsMu.Unlock()
	for _, fn := range fns {
		fn(u)
	}
}

// exportDevice — физическая копия устройства. Вызывать под s.mu.
func (s *Session) exportDevice(id model.DeviceID) model.DeviceState {
	return model.DeviceState{
		Conversations: s.store.Export(id),
		Contacts:      s.graph.Export(id),
		Watermarks:    s.tracker.Export(id),
	}
}

// snapshot собирает состояние всех устройств, за которые отвечает клиент. Вызывать под s.mu.
func (s *Session) snapshot() *model.Snapshot {
	snap := model.NewSnapshot()
	snap.UpdatedAt = time.Now().UTC()
	if s.authority {
		snap.Devices = s.reg.Devices()
	} else {
		snap.Devices = s.reg.ListAccessibleDevices(s.caller())
	}
	for _, d := range snap.Devices {
		if !s.authority && !s.owns(d.ID) {
			continue
		}
		st := s.exportDevice(d.ID)
		if len(st.Conversations) == 0 && len(st.Contacts) == 0 && len(st.Watermarks) == 0 {
			continue
		}
		snap.States[d.ID] = st
	}
	return snap
}

// Snapshot: текущее состояние клиента в формате авторитетного хранилища.
func (s *Session) Snapshot() *model.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

// persist — фаза 1 мутации. Ведущий пишет снимок в авторитетное хранилище,
// остальные: затронутые устройства в локальный кеш. Вызывать под s.mu.
func (s *Session) persist(ctx context.Context, ids []model.DeviceID, registryChanged bool) error {
	if s.authority {
		return s.saveSnapshot(ctx)
	}
	if s.cache == nil {
		return nil
	}
	for _, id := range ids {
		if !s.owns(id) {
			if registryChanged && s.retired(id) {
				if err := s.cache.DeleteDevice(ctx, id); err != nil {
					logger.Errorf("session: drop cached %s: %v", id, err)
				}
			}
			continue
		}
		if err := s.cache.SaveDevice(ctx, id, s.exportDevice(id)); err != nil {
			metrics.PersistFailures.Inc()
			return fmt.Errorf("session.persist %s: %w", id, err)
		}
	}
	if registryChanged {
		if err := s.cache.SaveRegistry(ctx, s.reg.Devices()); err != nil {
			metrics.PersistFailures.Inc()
			return fmt.Errorf("session.persist registry: %w", err)
		}
	}
	return nil
}

// retired: устройство владельца клиента стало надгробием, его локальная копия больше не нужна.
func (s *Session) retired(id model.DeviceID) bool {
	d, err := s.reg.Get(id)
	return err == nil && !d.Live() && d.OwnerID == s.cfg.OwnerID
}

func (s *Session) saveSnapshot(ctx context.Context) error {
	if !s.loaded {
		s.dirty = true
		metrics.PersistFailures.Inc()
		return errNotLoaded
	}
	if err := s.auth.Save(ctx, s.snapshot()); err != nil {
		s.dirty = true
		metrics.PersistFailures.Inc()
		return fmt.Errorf("session.saveSnapshot: %w", err)
	}
	s.dirty = false
	return nil
}

// enqueue ставит событие в очередь до подтверждения ведущим. Вызывать под s.mu.
func (s *Session) enqueue(env event.Envelope) {
	if s.authority {
		return
	}
	s.outbox = append(s.outbox, env)
	metrics.OutboxSize.Set(float64(len(s.outbox)))
}

func (s *Session) ack(eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, env := range s.outbox {
		if env.ID == eventID {
			s.outbox = append(s.outbox[:i], s.outbox[i+1:]...)
			metrics.OutboxSize.Set(float64(len(s.outbox)))
			return true
		}
	}
	return false
}

// Pending: события, ещё не подтверждённые ведущим.
func (s *Session) Pending() []event.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Envelope, len(s.outbox))
	copy(out, s.outbox)
	return out
}

// broadcast — фаза 2: best-effort, ошибка только логируется. Вызывать вне s.mu.
func (s *Session) broadcast(ctx context.Context, env event.Envelope) {
	if err := s.pub.Publish(ctx, env); err != nil {
		metrics.DeliveriesDropped.WithLabelValues(string(env.Type)).Inc()
		logger.Errorf("session %s: broadcast %s %s: %v", s.cfg.ClientID, env.Type, env.ID, err)
		return
	}
	metrics.EventsPublished.WithLabelValues(string(env.Type)).Inc()
}

// hydrate один раз поднимает копию устройства из локального кеша. Вызывать под s.mu.
func (s *Session) hydrate(ctx context.Context, id model.DeviceID) {
	if s.cache == nil || s.hydrated[id] {
		return
	}
	s.hydrated[id] = true
	st, ok, err := s.cache.LoadDevice(ctx, id)
	if err != nil {
		logger.Errorf("session: load cached %s: %v", id, err)
		return
	}
	if ok {
		s.mergeDevice(id, st)
	}
}

// ensureSynced: синхронизация при первом обращении к устройству в этой сессии.
// Сбой не мешает локальной операции: повтор запланирует реконсилер.
func (s *Session) ensureSynced(ctx context.Context, id model.DeviceID) {
	s.mu.Lock()
	if s.synced[id] {
		s.mu.Unlock()
		return
	}
	s.synced[id] = true
	s.hydrate(ctx, id)
	s.mu.Unlock()
	if err := s.rec.Reconcile(ctx, id); err != nil {
		logger.Errorf("session: first-use sync %s: %v", id, err)
	}
}

// Resync — ручная синхронизация всех устройств клиента.
func (s *Session) Resync(ctx context.Context) error {
	return s.rec.Reconcile(ctx)
}
