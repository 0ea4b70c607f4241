// Package memory disponibiliza a implementação do storage em memória do processo.
package memory

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/JeanGrijp/quota-limiter/internal/core/domain"
	"github.com/JeanGrijp/quota-limiter/internal/core/ports"
)

// DefaultSweepInterval define a frequência da varredura de contadores vencidos.
const DefaultSweepInterval = time.Second

type entry struct {
	count int64
	// deadline é zero enquanto nenhum reset estiver armado.
	deadline time.Time
	// gen identifica o item do heap dono do prazo atual; 0 significa nenhum.
	gen uint64
}

// Storage mantém os contadores em um mapa protegido por mutex. Os prazos
// ficam em um min-heap varrido periodicamente; um contador cujo prazo já
// passou é tratado como ausente mesmo antes da varredura.
type Storage struct {
	mu        sync.RWMutex
	counters  map[string]map[string]*entry
	deadlines deadlineHeap
	lastGen   uint64

	now           func() time.Time
	sweepInterval time.Duration
	stop          chan struct{}
	stopOnce      sync.Once
}

var _ ports.Storage = (*Storage)(nil)

type Option func(*Storage)

// WithClock substitui a fonte de tempo, útil em testes.
func WithClock(now func() time.Time) Option {
	return func(s *Storage) {
		if now != nil {
			s.now = now
		}
	}
}

func WithSweepInterval(d time.Duration) Option {
	return func(s *Storage) {
		if d > 0 {
			s.sweepInterval = d
		}
	}
}

func New(opts ...Option) *Storage {
	s := &Storage{
		counters:      make(map[string]map[string]*entry),
		now:           time.Now,
		sweepInterval: DefaultSweepInterval,
		stop:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run remove contadores vencidos a cada intervalo até ctx terminar ou Stop ser chamado.
func (s *Storage) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stop:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Storage) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
}

func (s *Storage) Increment(_ context.Context, user, key string) (int64, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.counters[user][key]
	switch {
	case e == nil:
		e = &entry{}
		s.entriesLocked(user)[key] = e
	case e.expired(now):
		// Vencido e ainda não varrido: recomeça e descarta o item pendente no heap.
		*e = entry{}
	}

	e.count++
	return e.count, nil
}

func (s *Storage) Count(_ context.Context, user, key string) (int64, error) {
	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	e := s.counters[user][key]
	if e == nil || e.expired(now) {
		return 0, nil
	}
	return e.count, nil
}

func (s *Storage) ExpireAfter(_ context.Context, user, key string, ttl time.Duration) error {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.counters[user][key]
	if e == nil || e.expired(now) {
		return nil
	}

	if ttl <= 0 {
		s.removeLocked(user, key)
		return nil
	}

	// Uma nova geração substitui o prazo que estava pendente.
	s.lastGen++
	e.gen = s.lastGen
	e.deadline = now.Add(ttl)
	heap.Push(&s.deadlines, deadlineItem{user: user, key: key, deadline: e.deadline, gen: e.gen})

	return nil
}

func (s *Storage) RemainingTime(_ context.Context, user, key string) (time.Duration, error) {
	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	return remaining(s.counters[user][key], now), nil
}

func (s *Storage) DumpUser(_ context.Context, user string) (domain.UsageReport, error) {
	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.dumpUserLocked(user, now), nil
}

func (s *Storage) DumpAll(_ context.Context) (map[string]domain.UsageReport, error) {
	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make(map[string]domain.UsageReport, len(s.counters))
	for user := range s.counters {
		if report := s.dumpUserLocked(user, now); len(report) > 0 {
			all[user] = report
		}
	}
	return all, nil
}

// Reset descarta todos os contadores junto com os prazos pendentes.
func (s *Storage) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counters = make(map[string]map[string]*entry)
	s.deadlines = nil
	return nil
}

// Sweep remove os contadores cujo prazo passou e devolve quantos foram removidos.
func (s *Storage) Sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for s.deadlines.Len() > 0 && !now.Before(s.deadlines[0].deadline) {
		item := heap.Pop(&s.deadlines).(deadlineItem)

		e := s.counters[item.user][item.key]
		if e == nil || e.gen != item.gen {
			continue
		}

		s.removeLocked(item.user, item.key)
		evicted++
	}
	return evicted
}

// Len devolve o número de contadores guardados, incluindo vencidos ainda não varridos.
func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, byKey := range s.counters {
		n += len(byKey)
	}
	return n
}

func (s *Storage) dumpUserLocked(user string, now time.Time) domain.UsageReport {
	report := make(domain.UsageReport)
	for key, e := range s.counters[user] {
		left := remaining(e, now)
		if e.count == 0 || left <= 0 {
			continue
		}
		report[key] = domain.Usage{Count: e.count, Remaining: left}
	}
	return report
}

func (s *Storage) entriesLocked(user string) map[string]*entry {
	byKey, ok := s.counters[user]
	if !ok {
		byKey = make(map[string]*entry)
		s.counters[user] = byKey
	}
	return byKey
}

func (s *Storage) removeLocked(user, key string) {
	byKey, ok := s.counters[user]
	if !ok {
		return
	}
	delete(byKey, key)
	if len(byKey) == 0 {
		delete(s.counters, user)
	}
}

func (e *entry) expired(now time.Time) bool {
	return !e.deadline.IsZero() && !now.Before(e.deadline)
}

func remaining(e *entry, now time.Time) time.Duration {
	if e == nil || e.deadline.IsZero() {
		return 0
	}
	if left := e.deadline.Sub(now); left > 0 {
		return left
	}
	return 0
}

type deadlineItem struct {
	user     string
	key      string
	deadline time.Time
	gen      uint64
}

type deadlineHeap []deadlineItem

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h deadlineHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *deadlineHeap) Push(x any) {
	*h = append(*h, x.(deadlineItem))
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
