// Package scheduler provides the bounded worker pools spec.md §4.H
// requires: named, independently-sized semaphores for network downloads,
// source builds, and file-system installs, plus the process-wide
// singleflight group the distribution database (§4.C) and this package
// share to deduplicate concurrent work on the same key.
//
// Grounded on internal/downloader.Manager.Download's existing
// errgroup.SetLimit pattern, generalized into a shared, named-pool
// abstraction so callers across packages bound concurrency through the
// same semaphores instead of each constructing its own errgroup.
package scheduler

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// Default pool sizes, per spec.md §4.H.
const (
	DefaultDownloadWorkers = 50
	DefaultInstallWorkers  = 8
)

// Pool is a single named bounded worker pool.
type Pool struct {
	name string
	sem  *semaphore.Weighted
	size int64
}

// NewPool creates a named pool with the given capacity. size <= 0 yields a
// pool of capacity 1, since a pool admitting nothing can never make
// progress.
func NewPool(name string, size int) *Pool {
	if size <= 0 {
		size = 1
	}

	return &Pool{name: name, sem: semaphore.NewWeighted(int64(size)), size: int64(size)}
}

// Size returns the pool's configured capacity.
func (p *Pool) Size() int { return int(p.size) }

// Do runs fn once a slot is available, releasing the slot when fn returns.
// Blocks (respecting ctx cancellation) until a slot frees up if the pool is
// saturated.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquiring %s pool slot: %w", p.name, err)
	}
	defer p.sem.Release(1)

	return fn(ctx)
}

// TryAcquire reports whether a slot is immediately available without
// blocking, acquiring it if so. Callers must call Release on the same
// Pool when done if it returned true.
func (p *Pool) TryAcquire() bool { return p.sem.TryAcquire(1) }

// Release gives back a slot acquired via TryAcquire.
func (p *Pool) Release() { p.sem.Release(1) }

// Scheduler owns the three named pools spec.md §4.H names plus the
// process-wide in-flight-deduplication map (§4.C, §4.H), so C/G share
// bounded concurrency and dedup through one object handed to them
// explicitly (distdb.WithScheduler) rather than ambient globals
// (DESIGN.md "Global mutable state").
type Scheduler struct {
	Downloads *Pool
	Builds    *Pool
	Installs  *Pool

	inFlight singleflight.Group
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithDownloadWorkers overrides the download pool size (default 50).
func WithDownloadWorkers(n int) Option {
	return func(s *Scheduler) { s.Downloads = NewPool("downloads", n) }
}

// WithBuildWorkers overrides the build pool size (default GOMAXPROCS).
func WithBuildWorkers(n int) Option {
	return func(s *Scheduler) { s.Builds = NewPool("builds", n) }
}

// WithInstallWorkers overrides the install pool size (default 8).
func WithInstallWorkers(n int) Option {
	return func(s *Scheduler) { s.Installs = NewPool("installs", n) }
}

// New builds a Scheduler with spec.md §4.H's default pool sizes.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		Downloads: NewPool("downloads", DefaultDownloadWorkers),
		Builds:    NewPool("builds", runtime.GOMAXPROCS(0)),
		Installs:  NewPool("installs", DefaultInstallWorkers),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Dedup runs fn at most once concurrently for a given key; concurrent
// callers with the same key block on and share the first call's result,
// per spec.md §4.C's in-flight deduplication map. The shared-ness is
// per-Scheduler, matching the process-wide scope spec.md §4.H describes.
func (s *Scheduler) Dedup(key string, fn func() (any, error)) (any, error, bool) {
	return s.inFlight.Do(key, fn)
}

// Forget drops the in-flight entry for key, so a subsequent Dedup call
// issues a fresh call instead of joining the one still running. Completed
// calls are never kept, so there is nothing else to drop.
func (s *Scheduler) Forget(key string) { s.inFlight.Forget(key) }
