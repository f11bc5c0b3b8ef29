// Package scheduler provides heap-based cycle scheduling for the per-target
// pollers.
//
// A min-heap tracks when each target's next poll cycle is due. Workers
// execute cycles concurrently, one target never overlapping itself: a target
// leaves the heap while its cycle runs and is re-queued only when the cycle
// reports back, at the delay the cycle asked for (the collection interval,
// or a stretched backoff delay after failures).
//
// Key features:
//   - O(log n) add/remove/update operations
//   - Jitter on the first cycle to prevent thundering herd
//   - Backpressure handling when workers are busy
//   - Graceful shutdown with drain timeout
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/xenfeed/config"
	"github.com/xtxerr/xenfeed/internal/health"
	"github.com/xtxerr/xenfeed/internal/logging"
)

var log = logging.Component("scheduler")

// =============================================================================
// Types
// =============================================================================

// CycleJob names one target whose cycle is due.
type CycleJob struct {
	Target string
}

// CycleResult reports one finished cycle.
type CycleResult struct {
	Target   string
	Outcome  health.Outcome
	Started  time.Time
	Duration time.Duration
	Error    string

	// NextDelay is how long the target wants to wait before its next
	// cycle. Zero falls back to the registered interval.
	NextDelay time.Duration
}

// cycleItem is one target's entry in the scheduler heap.
type cycleItem struct {
	target   string
	nextMs   int64 // Unix ms when the next cycle is due
	interval time.Duration
	running  bool
	deleted  bool
	index    int // heap index for O(log n) updates
}

// =============================================================================
// Heap Implementation
// =============================================================================

type cycleHeap []*cycleItem

func (h cycleHeap) Len() int { return len(h) }

func (h cycleHeap) Less(i, j int) bool {
	return h[i].nextMs < h[j].nextMs
}

func (h cycleHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *cycleHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*cycleItem)
	item.index = n
	*h = append(*h, item)
}

func (h *cycleHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

func (h cycleHeap) peek() *cycleItem {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// =============================================================================
// Scheduler Configuration
// =============================================================================

// BackpressureDelayMs is the delay applied when the job queue is full.
const BackpressureDelayMs = 1000

// Config holds scheduler configuration.
type Config struct {
	// Workers is the number of concurrent cycle workers.
	Workers int

	// QueueSize is the job queue capacity.
	QueueSize int

	// ResultsSize is the results channel capacity.
	ResultsSize int

	// TickInterval is how often the scheduler checks for due cycles.
	TickInterval time.Duration

	// DrainTimeout is how long to wait for in-flight cycles during
	// shutdown.
	DrainTimeout time.Duration
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		Workers:      config.DefaultPollerWorkers,
		QueueSize:    config.DefaultPollerQueueSize,
		ResultsSize:  config.DefaultPollerQueueSize,
		TickInterval: config.DefaultSchedulerTickInterval,
		DrainTimeout: time.Duration(config.DefaultDrainTimeoutSec) * time.Second,
	}
}

// =============================================================================
// Scheduler
// =============================================================================

// Scheduler runs target cycles from a min-heap of due times.
//
// Scheduler is safe for concurrent use.
type Scheduler struct {
	mu      sync.Mutex
	heap    cycleHeap
	heapIdx map[string]*cycleItem

	jobs    chan CycleJob
	results chan CycleResult

	cycleFunc func(context.Context, string) CycleResult

	shutdown chan struct{}
	wg       sync.WaitGroup

	activeWorkers atomic.Int32

	// wakeup lets Add and MarkComplete trigger an immediate heap scan.
	wakeup chan struct{}

	workers      int
	tickInterval time.Duration
	drainTimeout time.Duration

	backpressure atomic.Int64
	cyclesQueued atomic.Int64
	cyclesActive atomic.Int64
}

// New creates a new Scheduler.
func New(cfg *Config) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	return &Scheduler{
		heap:         make(cycleHeap, 0),
		heapIdx:      make(map[string]*cycleItem),
		jobs:         make(chan CycleJob, cfg.QueueSize),
		results:      make(chan CycleResult, cfg.ResultsSize),
		shutdown:     make(chan struct{}),
		wakeup:       make(chan struct{}, 1),
		workers:      cfg.Workers,
		tickInterval: cfg.TickInterval,
		drainTimeout: cfg.DrainTimeout,
	}
}

// SetCycleFunc sets the function that executes one cycle for a target.
func (s *Scheduler) SetCycleFunc(fn func(context.Context, string) CycleResult) {
	s.cycleFunc = fn
}

// Results returns the results channel for reading finished cycles.
func (s *Scheduler) Results() <-chan CycleResult {
	return s.results
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start starts the workers and the schedule loop.
func (s *Scheduler) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(context.Background())
	}

	s.wg.Add(1)
	go s.scheduleLoop()

	log.Info("scheduler started", "workers", s.workers)
}

// Stop stops the scheduler gracefully, waiting for in-flight cycles up to
// the drain timeout.
func (s *Scheduler) Stop() {
	s.StopWithContext(context.Background())
}

// StopWithContext stops the scheduler with a custom context. The drain
// timeout is still respected as a maximum.
func (s *Scheduler) StopWithContext(ctx context.Context) {
	log.Info("scheduler stopping")

	close(s.shutdown)

	drainCtx, cancel := context.WithTimeout(ctx, s.drainTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("scheduler stopped gracefully")
	case <-drainCtx.Done():
		activeCount := s.activeWorkers.Load()
		if activeCount > 0 {
			log.Warn("scheduler drain timeout",
				"active_workers", activeCount)
		} else {
			log.Info("scheduler stopped after drain timeout")
		}
	}

	close(s.jobs)
	close(s.results)
}

// =============================================================================
// Target Management
// =============================================================================

// Add registers a target with its collection interval. The first cycle is
// scheduled with random jitter to distribute load across targets.
func (s *Scheduler) Add(target string, interval time.Duration) {
	jitter := rand.Int63n(interval.Milliseconds() + 1)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.heapIdx[target]; ok {
		return
	}

	item := &cycleItem{
		target:   target,
		nextMs:   time.Now().UnixMilli() + jitter,
		interval: interval,
	}

	heap.Push(&s.heap, item)
	s.heapIdx[target] = item
	s.signalWakeup()

	log.Debug("target added", "target", target, "interval", interval)
}

// Remove deregisters a target.
//
// A target whose cycle is in flight is marked deleted and cleaned up when
// the cycle reports back; otherwise it is removed immediately.
func (s *Scheduler) Remove(target string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.heapIdx[target]
	if !ok {
		return
	}

	item.deleted = true

	if !item.running {
		if item.index >= 0 {
			heap.Remove(&s.heap, item.index)
		}
		delete(s.heapIdx, target)
	}

	log.Debug("target removed", "target", target, "was_running", item.running)
}

// Contains reports whether the target is scheduled.
func (s *Scheduler) Contains(target string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.heapIdx[target]
	return ok && !item.deleted
}

// =============================================================================
// Schedule Loop
// =============================================================================

func (s *Scheduler) scheduleLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processDueItems()
		case <-s.wakeup:
			s.processDueItems()
		case <-s.shutdown:
			return
		}
	}
}

func (s *Scheduler) processDueItems() {
	now := time.Now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	for s.heap.Len() > 0 {
		next := s.heap.peek()

		if next.nextMs > now {
			break
		}

		item := heap.Pop(&s.heap).(*cycleItem)

		if item.deleted {
			delete(s.heapIdx, item.target)
			continue
		}

		item.running = true

		select {
		case s.jobs <- CycleJob{Target: item.target}:
			s.cyclesQueued.Add(1)
		default:
			// Queue full: reschedule with backpressure delay.
			item.nextMs = now + BackpressureDelayMs
			item.running = false
			heap.Push(&s.heap, item)
			s.backpressure.Add(1)
		}
	}
}

// markComplete reschedules a target after its cycle finished. delay zero
// falls back to the registered interval.
func (s *Scheduler) markComplete(target string, delay time.Duration) {
	now := time.Now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.heapIdx[target]
	if !ok {
		return
	}

	if item.deleted {
		// Already popped from the heap in processDueItems.
		delete(s.heapIdx, target)
		return
	}

	if delay <= 0 {
		delay = item.interval
	}
	item.nextMs = now + delay.Milliseconds()
	item.running = false

	if item.index < 0 {
		heap.Push(&s.heap, item)
	} else {
		heap.Fix(&s.heap, item.index)
	}

	s.signalWakeup()
}

// =============================================================================
// Worker
// =============================================================================

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case job, ok := <-s.jobs:
			if !ok {
				return
			}

			result := s.executeWithRecovery(ctx, job.Target)

			s.markComplete(job.Target, result.NextDelay)

			select {
			case s.results <- result:
			case <-s.shutdown:
				return
			}

		case <-s.shutdown:
			return
		}
	}
}

// executeWithRecovery runs one cycle with counter management and panic
// recovery.
func (s *Scheduler) executeWithRecovery(ctx context.Context, target string) (result CycleResult) {
	s.activeWorkers.Add(1)
	s.cyclesActive.Add(1)
	started := time.Now()

	defer func() {
		s.cyclesActive.Add(-1)
		s.activeWorkers.Add(-1)

		if r := recover(); r != nil {
			log.Error("panic in cycle execution",
				"target", target,
				"panic", r)

			result = CycleResult{
				Target:   target,
				Outcome:  health.OutcomeDecode,
				Started:  started,
				Duration: time.Since(started),
				Error:    fmt.Sprintf("panic: %v", r),
			}
		}
	}()

	jobCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	return s.executeCycle(jobCtx, target, started)
}

func (s *Scheduler) executeCycle(ctx context.Context, target string, started time.Time) CycleResult {
	if s.cycleFunc == nil {
		return CycleResult{
			Target:  target,
			Started: started,
		}
	}

	result := s.cycleFunc(ctx, target)
	result.Target = target
	result.Started = started
	result.Duration = time.Since(started)
	return result
}

// =============================================================================
// Utility Methods
// =============================================================================

func (s *Scheduler) signalWakeup() {
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}

// Stats returns scheduler statistics.
func (s *Scheduler) Stats() (heapSize, queueUsed, active int, backpressure int64) {
	s.mu.Lock()
	heapSize = s.heap.Len()
	s.mu.Unlock()

	queueUsed = len(s.jobs)
	active = int(s.cyclesActive.Load())
	backpressure = s.backpressure.Load()

	return
}

// Targets returns all scheduled target names.
func (s *Scheduler) Targets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	targets := make([]string, 0, len(s.heapIdx))
	for _, item := range s.heapIdx {
		if !item.deleted {
			targets = append(targets, item.target)
		}
	}
	return targets
}

// NextCycleTime returns when a target's next cycle is due.
func (s *Scheduler) NextCycleTime(target string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.heapIdx[target]
	if !ok || item.deleted {
		return time.Time{}, false
	}

	return time.UnixMilli(item.nextMs), true
}

// ActiveWorkerCount returns the number of currently active workers.
func (s *Scheduler) ActiveWorkerCount() int {
	return int(s.activeWorkers.Load())
}

// Count returns the number of scheduled targets.
func (s *Scheduler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, item := range s.heapIdx {
		if !item.deleted {
			count++
		}
	}
	return count
}
