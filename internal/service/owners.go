package service

import (
	"context"
	"sort"
	"sync"

	"github.com/phonemesh/internal/logger"
	"github.com/phonemesh/internal/model"
	"github.com/phonemesh/internal/registry"
)

// OwnerFeed — лента изменений метаданных владельцев от UI-оболочки (registry.OwnerSource).
type OwnerFeed struct {
	mu       sync.Mutex
	watchers map[int]func(model.Owner)
	next     int
}

var _ registry.OwnerSource = (*OwnerFeed)(nil)

func NewOwnerFeed() *OwnerFeed {
	return &OwnerFeed{watchers: make(map[int]func(model.Owner))}
}

func (f *OwnerFeed) Watch(fn func(model.Owner)) (cancel func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.watchers[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.watchers, id)
	}
}

// Publish рассылает изменение подписчикам в порядке подписки.
func (f *OwnerFeed) Publish(o model.Owner) {
	f.mu.Lock()
	ids := make([]int, 0, len(f.watchers))
	for id := range f.watchers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(model.Owner), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, f.watchers[id])
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(o)
	}
}

// BindOwners подписывает реестр на источник владельцев; ведущий после каждого изменения
// сохраняет снимок, чтобы производные имена дошли до остальных клиентов.
func (s *Session) BindOwners(src registry.OwnerSource) {
	s.reg.Bind(src)
	cancel := src.Watch(func(o model.Owner) {
		s.mu.Lock()
		var err error
		if s.authority {
			err = s.saveSnapshot(context.Background())
		}
		s.mu.Unlock()
		if err != nil {
			logger.Errorf("session: persist owner %s: %v", o.ID, err)
		}
		s.notify(Update{Kind: UpdateDevices})
	})
	s.unsub = append(s.unsub, cancel)
}
