// Package reconcile сливает локальное состояние клиента с авторитетным снимком.
// При недоступном хранилище локальное состояние не трогается, повтор планируется с экспоненциальной задержкой.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/phonemesh/internal/logger"
	"github.com/phonemesh/internal/metrics"
	"github.com/phonemesh/internal/model"
	"github.com/phonemesh/internal/storage"
)

// Target — клиентское состояние, в которое вливается снимок.
// ApplySnapshot с пустым ids сливает все устройства клиента.
type Target interface {
	ApplySnapshot(snap *model.Snapshot, ids []model.DeviceID)
	FlushOutbox(ctx context.Context) error
}

// Policy: параметры повторов.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsed — 0 означает «повторять, пока не закроют».
	MaxElapsed     time.Duration
	AttemptTimeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		AttemptTimeout:  10 * time.Second,
	}
}

type Reconciler struct {
	store  storage.AuthoritativeStore
	target Target
	policy Policy

	mu       sync.Mutex
	pending  map[model.DeviceID]struct{}
	all      bool
	retrying bool
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(store storage.AuthoritativeStore, target Target, policy Policy) *Reconciler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		store:   store,
		target:  target,
		policy:  policy,
		pending: make(map[model.DeviceID]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Reconcile делает одну попытку синхронизации устройств ids (пусто: все устройства клиента).
// При ErrSyncUnavailable ставит их в очередь повторов и возвращает ошибку.
func (r *Reconciler) Reconcile(ctx context.Context, ids ...model.DeviceID) error {
	err := r.attempt(ctx, ids)
	if errors.Is(err, storage.ErrSyncUnavailable) {
		r.schedule(ids)
	}
	return err
}

func (r *Reconciler) attempt(ctx context.Context, ids []model.DeviceID) error {
	defer logger.DeferLogDuration("reconcile.attempt", time.Now())()
	if r.policy.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.policy.AttemptTimeout)
		defer cancel()
	}
	snap, err := r.store.Load(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrSyncUnavailable) {
			metrics.Reconciles.WithLabelValues("unavailable").Inc()
		} else {
			metrics.Reconciles.WithLabelValues("error").Inc()
		}
		return fmt.Errorf("reconcile: %w", err)
	}
	r.target.ApplySnapshot(snap, ids)
	metrics.Reconciles.WithLabelValues("ok").Inc()
	if err := r.target.FlushOutbox(ctx); err != nil {
		// Очередь останется до следующей синхронизации.
		logger.Errorf("reconcile: flush outbox: %v", err)
	}
	return nil
}

func (r *Reconciler) schedule(ids []model.DeviceID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if len(ids) == 0 {
		r.all = true
	}
	for _, id := range ids {
		r.pending[id] = struct{}{}
	}
	if r.retrying {
		return
	}
	r.retrying = true
	r.wg.Add(1)
	go r.retryLoop()
}

func (r *Reconciler) peek() ([]model.DeviceID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]model.DeviceID, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, r.all
}

func (r *Reconciler) done(ids []model.DeviceID, all bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		delete(r.pending, id)
	}
	if all {
		r.all = false
	}
}

func (r *Reconciler) retryLoop() {
	defer r.wg.Done()
	for {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = r.policy.InitialInterval
		b.MaxInterval = r.policy.MaxInterval

		_, err := backoff.Retry(r.ctx, func() (struct{}, error) {
			ids, all := r.peek()
			target := ids
			if all {
				target = nil
			}
			if err := r.attempt(r.ctx, target); err != nil {
				if errors.Is(err, storage.ErrSyncUnavailable) {
					return struct{}{}, err
				}
				return struct{}{}, backoff.Permanent(err)
			}
			r.done(ids, all)
			return struct{}{}, nil
		},
			backoff.WithBackOff(b),
			backoff.WithMaxElapsedTime(r.policy.MaxElapsed),
			backoff.WithNotify(func(err error, next time.Duration) {
				logger.Debugf("reconcile: retry in %v: %v", next, err)
			}),
		)

		r.mu.Lock()
		more := err == nil && !r.closed && (r.all || len(r.pending) > 0)
		if !more {
			r.retrying = false
			r.mu.Unlock()
			if err != nil && r.ctx.Err() == nil {
				logger.Errorf("reconcile: gave up: %v", err)
			}
			return
		}
		r.mu.Unlock()
	}
}

// Retrying: есть ли запланированные повторы.
func (r *Reconciler) Retrying() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retrying
}

// Wait ждёт завершения текущей серии повторов.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

// Close отменяет повторы и ждёт фоновые горутины.
func (r *Reconciler) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}
