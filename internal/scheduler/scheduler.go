// Package scheduler implements a periodic, single-flight persistence
// and compaction orchestrator: it walks every (database, table) pair
// on a fixed interval, persists the table's storage/replica/index
// state, and triggers the owning LSM engine's compaction check, all
// gated so at most one tick body runs at a time, crash- and
// shutdown-safe.
package scheduler

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrPersistInFlight is returned by PersistNow when another tick (or a
// concurrent PersistNow) already owns the single-flight slot.
var ErrPersistInFlight = errors.New("scheduler: persistence already in flight")

// Table is the per-(database,table) persistence contract the scheduler
// drives. Implementations own their own locking.
type Table struct {
	Database string
	Name     string

	// PersistStorage writes the table's row storage map to its
	// canonical file and fsyncs.
	PersistStorage func() error
	// PersistReplica writes the table's replica assignment map.
	PersistReplica func() error
	// PersistIndexes writes every open secondary index for the table.
	PersistIndexes func() error
	// MaybeCompact invokes the owning LSM engine's compaction check.
	MaybeCompact func()
}

func (t Table) key() string { return t.Database + "/" + t.Name }

// Scheduler runs Table persistence on a fixed interval under a
// process-wide single-flight flag: an atomic.Bool CompareAndSwap
// discipline generalized here to gate the whole persistence tick
// rather than only compaction.
type Scheduler struct {
	interval        time.Duration
	fanOutLimit     int
	ready           func() bool
	tables          func() []Table
	persistInFlight atomic.Bool
	doneOnce        sync.Once

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Config tunes a Scheduler.
type Config struct {
	Interval    time.Duration
	FanOutLimit int
}

func DefaultConfig() Config {
	return Config{Interval: 60 * time.Second, FanOutLimit: 8}
}

// New builds a Scheduler. ready reports whether the node is
// cluster-ready and online; tables enumerates the current
// (database, table) set to persist on each tick.
func New(cfg Config, ready func() bool, tables func() []Table) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.FanOutLimit <= 0 {
		cfg.FanOutLimit = DefaultConfig().FanOutLimit
	}
	return &Scheduler{
		interval:    cfg.Interval,
		fanOutLimit: cfg.FanOutLimit,
		ready:       ready,
		tables:      tables,
		stopCh:      make(chan struct{}),
	}
}

// Start begins the periodic tick loop in the background.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.loop()
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	if s.ready != nil && !s.ready() {
		return
	}
	if err := s.PersistNow(context.Background()); err != nil && !errors.Is(err, ErrPersistInFlight) {
		log.Printf("scheduler: tick failed: %v", err)
	}
}

// PersistNow attempts to run one persistence pass immediately. If a
// pass is already in flight, it returns ErrPersistInFlight without
// waiting. Shutdown is the only method that waits (bounded by its
// context) for an in-flight pass to finish.
func (s *Scheduler) PersistNow(ctx context.Context) error {
	if !s.persistInFlight.CompareAndSwap(false, true) {
		return ErrPersistInFlight
	}
	defer s.persistInFlight.Store(false)

	tables := s.tables()
	sort.Slice(tables, func(i, j int) bool { return tables[i].key() < tables[j].key() })

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.fanOutLimit)

	var mu sync.Mutex
	var worstErr error
	recordErr := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if worstErr == nil {
			worstErr = err
		}
	}

	for _, tbl := range tables {
		tbl := tbl
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			default:
			}
			if tbl.PersistStorage != nil {
				if err := tbl.PersistStorage(); err != nil {
					log.Printf("scheduler: persist storage failed for %s: %v", tbl.key(), err)
					recordErr(err)
				}
			}
			if tbl.PersistReplica != nil {
				if err := tbl.PersistReplica(); err != nil {
					log.Printf("scheduler: persist replica failed for %s: %v", tbl.key(), err)
					recordErr(err)
				}
			}
			if tbl.PersistIndexes != nil {
				if err := tbl.PersistIndexes(); err != nil {
					log.Printf("scheduler: persist indexes failed for %s: %v", tbl.key(), err)
					recordErr(err)
				}
			}
			if tbl.MaybeCompact != nil {
				tbl.MaybeCompact()
			}
			return nil
		})
	}
	_ = g.Wait() // per-table errors are recorded and logged, never abort the pass

	return worstErr
}

// Shutdown stops the tick loop and runs one final synchronous persist
// pass, waiting (bounded by ctx) if one is already in flight.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.doneOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()

	deadline := time.Now().Add(5 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	for s.persistInFlight.Load() {
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	return s.PersistNow(ctx)
}
