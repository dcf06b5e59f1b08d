// Package registry ведёт реестр устройств: привязку устройства к владельцу,
// производные поля владельца (имя, аватар) и телефоноподобные адреса.
package registry

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phonemesh/internal/logger"
	"github.com/phonemesh/internal/model"
)

var (
	ErrUnknownDevice     = errors.New("unknown device")
	ErrAlreadyRegistered = errors.New("device already registered")
	ErrInvalidResource   = errors.New("owner id and resource id required")
)

// deviceNamespace — пространство имён UUIDv5 для id устройств.
var deviceNamespace = uuid.MustParse("6f1c2b7e-4d0a-5b8e-9c3f-2a1d7e5b9c40")

const addressSpace = 10000

// OwnerSource: внешний источник метаданных владельцев. Watch подписывает на изменения.
type OwnerSource interface {
	Watch(fn func(model.Owner)) (cancel func())
}

type Registry struct {
	mu        sync.RWMutex
	devices   map[model.DeviceID]*model.Device
	owners    map[model.OwnerID]model.Owner
	byOwner   map[model.OwnerID]map[model.DeviceID]struct{}
	byAddress map[string]model.DeviceID
	observers map[model.OwnerID]map[int]func(model.Device)
	nextObs   int
	unbind    []func()
	now       func() time.Time
}

func New() *Registry {
	r := &Registry{now: func() time.Time { return time.Now().UTC() }}
	r.Init()
	return r
}

// Init (пере)создаёт внутренние структуры. Подписчики и привязки к источникам сохраняются.
func (r *Registry) Init() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = make(map[model.DeviceID]*model.Device)
	r.owners = make(map[model.OwnerID]model.Owner)
	r.byOwner = make(map[model.OwnerID]map[model.DeviceID]struct{})
	r.byAddress = make(map[string]model.DeviceID)
	if r.observers == nil {
		r.observers = make(map[model.OwnerID]map[int]func(model.Device))
	}
}

// Reset очищает реестр, снимает подписки наблюдателей и отвязывает источники владельцев.
func (r *Registry) Reset() {
	r.mu.Lock()
	unbind := r.unbind
	r.unbind = nil
	r.observers = make(map[model.OwnerID]map[int]func(model.Device))
	r.mu.Unlock()
	for _, fn := range unbind {
		fn()
	}
	r.Init()
}

// DeviceIDFor детерминированно вычисляет id устройства по владельцу и ресурсу.
func DeviceIDFor(ownerID model.OwnerID, resourceID string) model.DeviceID {
	return model.DeviceID(uuid.NewSHA1(deviceNamespace, []byte(string(ownerID)+"/"+resourceID)).String())
}

// RegisterDevice регистрирует устройство владельца. Повторный вызов для того же ресурса
// возвращает существующий id и ErrAlreadyRegistered (это не ошибка для вызывающего).
func (r *Registry) RegisterDevice(owner model.Owner, meta model.DeviceMeta) (model.DeviceID, error) {
	if owner.ID == "" || strings.TrimSpace(meta.ResourceID) == "" {
		return "", ErrInvalidResource
	}
	id := DeviceIDFor(owner.ID, meta.ResourceID)

	r.mu.Lock()
	if d, ok := r.devices[id]; ok && d.Live() {
		r.mu.Unlock()
		return id, ErrAlreadyRegistered
	}
	if _, known := r.owners[owner.ID]; !known || owner.DisplayName != "" {
		r.owners[owner.ID] = owner
	}
	current := r.owners[owner.ID]
	if old, ok := r.devices[id]; ok {
		// Ресурс вернулся после удаления владельца: снимаем надгробие, адрес сохраняем.
		// RestoredAt позже RemovedAt, чтобы остальные клиенты приняли восстановление.
		restored := r.now()
		if old.RemovedAt != nil && !restored.After(*old.RemovedAt) {
			restored = old.RemovedAt.Add(time.Nanosecond)
		}
		old.RemovedAt = nil
		old.RestoredAt = &restored
		old.DisplayName = current.DisplayName
		old.AvatarRef = current.AvatarRef
		r.indexOwner(old)
		r.mu.Unlock()
		logger.Infof("registry: device %s restored for owner %s", id, owner.ID)
		return id, nil
	}
	addr := strings.TrimSpace(meta.Address)
	if addr == "" || r.addressTaken(addr, id) {
		addr = r.allocAddress(id)
	}
	d := &model.Device{
		ID:          id,
		OwnerID:     owner.ID,
		ResourceID:  meta.ResourceID,
		DisplayName: current.DisplayName,
		AvatarRef:   current.AvatarRef,
		Address:     addr,
		Settings:    copySettings(meta.Settings),
		CreatedAt:   r.now(),
	}
	r.devices[id] = d
	r.byAddress[addr] = id
	r.indexOwner(d)
	r.mu.Unlock()
	logger.Infof("registry: device %s registered owner=%s address=%s", id, owner.ID, addr)
	return id, nil
}

func (r *Registry) indexOwner(d *model.Device) {
	set, ok := r.byOwner[d.OwnerID]
	if !ok {
		set = make(map[model.DeviceID]struct{})
		r.byOwner[d.OwnerID] = set
	}
	set[d.ID] = struct{}{}
}

func (r *Registry) addressTaken(addr string, self model.DeviceID) bool {
	id, ok := r.byAddress[addr]
	return ok && id != self
}

// allocAddress выдаёт адрес вида 555-XXXX, стабильный для id, пока он свободен.
func (r *Registry) allocAddress(id model.DeviceID) string {
	h := fnv.New32a()
	h.Write([]byte(id))
	n := int(h.Sum32() % addressSpace)
	for i := 0; i < addressSpace; i++ {
		addr := fmt.Sprintf("555-%04d", (n+i)%addressSpace)
		if !r.addressTaken(addr, id) {
			return addr
		}
	}
	return "555-" + string(id)
}

// ResolveOwnerMetadataChange переносит новые имя и аватар владельца на все его устройства
// и уведомляет наблюдателей. Если устройств нет: ничего не делает.
func (r *Registry) ResolveOwnerMetadataChange(owner model.Owner) {
	if owner.ID == "" {
		return
	}
	r.mu.Lock()
	r.owners[owner.ID] = owner
	var changed []model.Device
	for id := range r.byOwner[owner.ID] {
		d := r.devices[id]
		if d.DisplayName == owner.DisplayName && d.AvatarRef == owner.AvatarRef {
			continue
		}
		d.DisplayName = owner.DisplayName
		d.AvatarRef = owner.AvatarRef
		changed = append(changed, d.Clone())
	}
	callbacks := r.observersFor(owner.ID)
	r.mu.Unlock()

	for _, d := range changed {
		for _, fn := range callbacks {
			fn(d)
		}
	}
	if len(changed) > 0 {
		logger.Debugf("registry: owner %s metadata propagated to %d devices", owner.ID, len(changed))
	}
}

func (r *Registry) observersFor(ownerID model.OwnerID) []func(model.Device) {
	obs := r.observers[ownerID]
	out := make([]func(model.Device), 0, len(obs))
	keys := make([]int, 0, len(obs))
	for k := range obs {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	for _, k := range keys {
		out = append(out, obs[k])
	}
	return out
}

// Subscribe регистрирует наблюдателя изменений устройств владельца. cancel снимает подписку.
func (r *Registry) Subscribe(ownerID model.OwnerID, fn func(model.Device)) (cancel func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextObs
	r.nextObs++
	set, ok := r.observers[ownerID]
	if !ok {
		set = make(map[int]func(model.Device))
		r.observers[ownerID] = set
	}
	set[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.observers[ownerID], id)
	}
}

// Bind подписывает реестр на ленту изменений источника метаданных владельцев.
func (r *Registry) Bind(src OwnerSource) {
	cancel := src.Watch(r.ResolveOwnerMetadataChange)
	r.mu.Lock()
	r.unbind = append(r.unbind, cancel)
	r.mu.Unlock()
}

// UnregisterDevicesForOwner превращает устройства владельца в надгробия. Сообщения остаются,
// рёбра контактов отсекаются лениво при чтении (см. IsLive).
func (r *Registry) UnregisterDevicesForOwner(ownerID model.OwnerID) []model.DeviceID {
	r.mu.Lock()
	now := r.now()
	var removed []model.DeviceID
	for id := range r.byOwner[ownerID] {
		d := r.devices[id]
		if !d.Live() {
			continue
		}
		t := now
		d.RemovedAt = &t
		removed = append(removed, id)
	}
	delete(r.byOwner, ownerID)
	delete(r.owners, ownerID)
	r.mu.Unlock()
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	if len(removed) > 0 {
		logger.Infof("registry: owner %s removed, %d devices tombstoned", ownerID, len(removed))
	}
	return removed
}

// ListAccessibleDevices — граница доступа: ведущему видны все живые устройства, остальным — свои.
func (r *Registry) ListAccessibleDevices(caller model.Caller) []model.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Device, 0, len(r.devices))
	for _, d := range r.devices {
		if !d.Live() {
			continue
		}
		if caller.Authority || d.OwnerID == caller.OwnerID {
			out = append(out, d.Clone())
		}
	}
	sortDevices(out)
	return out
}

// CanAccess сообщает, может ли caller применять изменения к устройству.
func (r *Registry) CanAccess(caller model.Caller, id model.DeviceID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	if !ok || !d.Live() {
		return false
	}
	return caller.Authority || d.OwnerID == caller.OwnerID
}

// Get возвращает устройство, включая надгробия.
func (r *Registry) Get(id model.DeviceID) (model.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	if !ok {
		return model.Device{}, ErrUnknownDevice
	}
	return d.Clone(), nil
}

// IsLive: устройство известно и не удалено.
func (r *Registry) IsLive(id model.DeviceID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	return ok && d.Live()
}

// LookupByAddress ищет живое устройство по адресу.
func (r *Registry) LookupByAddress(addr string) (model.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byAddress[strings.TrimSpace(addr)]
	if !ok {
		return model.Device{}, ErrUnknownDevice
	}
	d := r.devices[id]
	if !d.Live() {
		return model.Device{}, ErrUnknownDevice
	}
	return d.Clone(), nil
}

// Devices экспортирует все устройства (с надгробиями) для снимка.
func (r *Registry) Devices() []model.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d.Clone())
	}
	sortDevices(out)
	return out
}

// Merge неразрушающе импортирует устройства из авторитетного снимка: неизвестные добавляются,
// надгробия и восстановления переносятся по времени, живые локальные поля владельца не перетираются.
func (r *Registry) Merge(devices []model.Device) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	added := 0
	for i := range devices {
		in := devices[i].Clone()
		if in.ID == "" {
			continue
		}
		cur, ok := r.devices[in.ID]
		if !ok {
			if owner, known := r.owners[in.OwnerID]; known {
				in.DisplayName = owner.DisplayName
				in.AvatarRef = owner.AvatarRef
			}
			if in.Address == "" || r.addressTaken(in.Address, in.ID) {
				in.Address = r.allocAddress(in.ID)
			}
			r.devices[in.ID] = &in
			r.byAddress[in.Address] = in.ID
			if in.Live() {
				r.indexOwner(&in)
			}
			added++
			continue
		}
		switch {
		case cur.Live() && !in.Live():
			// Старое надгробие не убивает устройство, восстановленное позже.
			if in.RemovedAt.Before(cur.LiveSince()) {
				continue
			}
			cur.RemovedAt = in.RemovedAt
			if set := r.byOwner[cur.OwnerID]; set != nil {
				delete(set, cur.ID)
			}
		case !cur.Live() && in.Live():
			if !in.LiveSince().After(*cur.RemovedAt) {
				continue
			}
			cur.RemovedAt = nil
			cur.RestoredAt = in.RestoredAt
			if owner, known := r.owners[cur.OwnerID]; known {
				cur.DisplayName = owner.DisplayName
				cur.AvatarRef = owner.AvatarRef
			} else {
				cur.DisplayName = in.DisplayName
				cur.AvatarRef = in.AvatarRef
			}
			r.indexOwner(cur)
		}
	}
	return added
}

func sortDevices(ds []model.Device) {
	sort.Slice(ds, func(i, j int) bool { return ds[i].ID < ds[j].ID })
}

func copySettings(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
