package workers

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/aescanero/dapo/pkg/domain"
	"golang.org/x/sync/semaphore"
)

type typeSlots struct {
	sem      *semaphore.Weighted
	capacity int
	inUse    atomic.Int64
}

// TypeSlot is the usage of one limited step type
type TypeSlot struct {
	Type     domain.StepType
	InUse    int
	Capacity int
}

// Limiter is the admission gate of one execution: a global slot count plus
// optional per step type slot counts. Slots are only taken through Acquire
// and only given back through the release func it returns.
type Limiter struct {
	global   *semaphore.Weighted
	capacity int
	types    map[domain.StepType]*typeSlots
	inUse    atomic.Int64
}

// NewLimiter creates a limiter allowing capacity concurrent steps. A type
// limit restricts one step type further; non-positive limits are ignored.
func NewLimiter(capacity int, typeLimits map[domain.StepType]int) *Limiter {
	if capacity < 1 {
		capacity = 1
	}
	l := &Limiter{
		global:   semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
		types:    make(map[domain.StepType]*typeSlots),
	}
	for t, n := range typeLimits {
		if n > 0 {
			l.types[t] = &typeSlots{sem: semaphore.NewWeighted(int64(n)), capacity: n}
		}
	}
	return l
}

// Acquire blocks until a global slot and, when the type is limited, a type
// slot are held, or until ctx is done. The returned release gives the slots
// back in reverse order and is safe to call more than once.
func (l *Limiter) Acquire(ctx context.Context, stepType domain.StepType) (func(), error) {
	if err := l.global.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	ts := l.types[stepType]
	if ts != nil {
		if err := ts.sem.Acquire(ctx, 1); err != nil {
			l.global.Release(1)
			return nil, err
		}
		ts.inUse.Add(1)
	}
	l.inUse.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			l.inUse.Add(-1)
			if ts != nil {
				ts.inUse.Add(-1)
				ts.sem.Release(1)
			}
			l.global.Release(1)
		})
	}, nil
}

// InUse returns the number of held global slots
func (l *Limiter) InUse() int {
	return int(l.inUse.Load())
}

// Capacity returns the global slot count
func (l *Limiter) Capacity() int {
	return l.capacity
}

// TypeSlots returns the usage of every limited type ordered by type
func (l *Limiter) TypeSlots() []TypeSlot {
	slots := make([]TypeSlot, 0, len(l.types))
	for t, ts := range l.types {
		slots = append(slots, TypeSlot{Type: t, InUse: int(ts.inUse.Load()), Capacity: ts.capacity})
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].Type < slots[j].Type })
	return slots
}
