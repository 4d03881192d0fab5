package worker

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"psdconverter/services"

	"go.uber.org/zap"
)

// advisoryNamespace is the first key of every slot lock ("PSDC").
const advisoryNamespace int32 = 0x50534443

// PostgresGate maps slot i to the session advisory lock (namespace, i).
// A replica that dies loses its session and with it its slots.
type PostgresGate struct {
	db       *services.DatabaseService
	capacity int
	wait     time.Duration
	poll     time.Duration
	logger   *zap.Logger
	inFlight atomic.Int64
}

func NewPostgresGate(db *services.DatabaseService, capacity int, wait time.Duration, logger *zap.Logger) *PostgresGate {
	if capacity < MinCapacity {
		capacity = MinCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresGate{
		db:       db,
		capacity: capacity,
		wait:     wait,
		poll:     defaultPollInterval,
		logger:   logger,
	}
}

// tryAny walks the slots from a random offset so replicas do not all contend
// for slot 0 first.
func (g *PostgresGate) tryAny(ctx context.Context) (*services.SlotLock, error) {
	offset := rand.IntN(g.capacity)
	for i := 0; i < g.capacity; i++ {
		slot := int32((offset + i) % g.capacity)
		lock, err := g.db.TryLockSlot(ctx, advisoryNamespace, slot)
		if err != nil {
			return nil, err
		}
		if lock != nil {
			return lock, nil
		}
	}
	return nil, nil
}

func (g *PostgresGate) Acquire(ctx context.Context) (*Token, error) {
	start := time.Now()

	waitCtx := ctx
	if g.wait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, g.wait)
		defer cancel()
	}

	var lock *services.SlotLock
	for {
		var err error
		lock, err = g.tryAny(waitCtx)
		if err != nil {
			if waitCtx.Err() != nil {
				return nil, waitError(ctx, start, g.capacity)
			}
			return nil, services.Wrap(services.ErrStorage, "postgres gate", "acquire slot", err)
		}
		if lock != nil {
			break
		}
		if g.wait <= 0 {
			return nil, waitError(ctx, start, g.capacity)
		}

		timer := time.NewTimer(g.poll)
		select {
		case <-waitCtx.Done():
			timer.Stop()
			return nil, waitError(ctx, start, g.capacity)
		case <-timer.C:
		}
	}

	g.inFlight.Add(1)
	id := fmt.Sprintf("pg-slot-%d", lock.Slot())
	return newToken(id, start, func() {
		g.inFlight.Add(-1)
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lock.Unlock(releaseCtx); err != nil {
			g.logger.Warn("failed to release postgres gate slot", zap.Int32("slot", lock.Slot()), zap.Error(err))
		}
	}), nil
}

func (g *PostgresGate) Release(t *Token) { t.free() }

func (g *PostgresGate) Capacity() int { return g.capacity }

func (g *PostgresGate) InFlight() int { return int(g.inFlight.Load()) }
