package worker

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"psdconverter/services"

	"golang.org/x/sync/semaphore"
)

// Gate sizing constants.
const (
	// MinCapacity ensures at least one conversion can run.
	MinCapacity = 1

	// MaxCapacity caps automatic sizing; each converter may hold several
	// hundred MB for a large document.
	MaxCapacity = 8

	// cpuDivisor leaves headroom for the converter's own threads.
	cpuDivisor = 2
)

// Token is one unit of gate capacity, held for exactly one converter
// invocation.
type Token struct {
	ID       string
	Acquired time.Time
	Waited   time.Duration

	once    sync.Once
	release func()
}

func newToken(id string, start time.Time, release func()) *Token {
	now := time.Now()
	return &Token{
		ID:       id,
		Acquired: now,
		Waited:   now.Sub(start),
		release:  release,
	}
}

func (t *Token) free() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		if t.release != nil {
			t.release()
		}
	})
}

// Gate bounds how many conversions run at once, independently of how many
// HTTP requests are being served.
type Gate interface {
	// Acquire blocks until a slot is free, the queue-wait ceiling passes
	// (services.ErrOverloaded) or ctx is done (services.ErrCanceled).
	Acquire(ctx context.Context) (*Token, error)
	// Release returns the slot. Releasing a token twice is a no-op.
	Release(t *Token)
	Capacity() int
	// InFlight counts slots held by this process.
	InFlight() int
}

// ResolveCapacity determines the gate size.
// Priority: explicit value > GOMAXPROCS-based calculation.
func ResolveCapacity(n int) int {
	if n > 0 {
		return n
	}

	// GOMAXPROCS is adjusted by automaxprocs for containers
	c := runtime.GOMAXPROCS(0) / cpuDivisor
	if c < MinCapacity {
		return MinCapacity
	}
	if c > MaxCapacity {
		return MaxCapacity
	}
	return c
}

// waitError maps the end of an unsuccessful wait to the error taxonomy.
func waitError(ctx context.Context, start time.Time, capacity int) error {
	if err := ctx.Err(); err != nil {
		return services.Wrap(services.ErrCanceled, "gate", "request cancelled while queued", err)
	}
	return services.Wrap(services.ErrOverloaded, "gate",
		fmt.Sprintf("all %d conversion slots busy after %s", capacity, time.Since(start).Round(time.Millisecond)), nil)
}

// LocalGate is a FIFO counting semaphore for a single process.
type LocalGate struct {
	sem      *semaphore.Weighted
	capacity int
	wait     time.Duration
	inFlight atomic.Int64
	seq      atomic.Uint64
}

// NewLocalGate creates a gate with capacity slots. A wait of zero rejects
// immediately when every slot is busy.
func NewLocalGate(capacity int, wait time.Duration) *LocalGate {
	if capacity < MinCapacity {
		capacity = MinCapacity
	}
	return &LocalGate{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
		wait:     wait,
	}
}

func (g *LocalGate) Acquire(ctx context.Context) (*Token, error) {
	start := time.Now()

	if g.wait <= 0 {
		if err := ctx.Err(); err != nil || !g.sem.TryAcquire(1) {
			return nil, waitError(ctx, start, g.capacity)
		}
	} else {
		waitCtx, cancel := context.WithTimeout(ctx, g.wait)
		defer cancel()
		if err := g.sem.Acquire(waitCtx, 1); err != nil {
			return nil, waitError(ctx, start, g.capacity)
		}
	}

	g.inFlight.Add(1)
	id := fmt.Sprintf("local-%d", g.seq.Add(1))
	return newToken(id, start, func() {
		g.inFlight.Add(-1)
		g.sem.Release(1)
	}), nil
}

func (g *LocalGate) Release(t *Token) { t.free() }

func (g *LocalGate) Capacity() int { return g.capacity }

func (g *LocalGate) InFlight() int { return int(g.inFlight.Load()) }
