package learning

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/rawblock/botwall/internal/metrics"
)

// Learning Coordinator
//
// Learning work is keyed by signal key (ua.pattern, heuristic.weights,
// tls.ja3, ip.reputation). Each key gets its own worker goroutine and its
// own bounded queue, so a slow learner on one key never blocks another.
// Submission from the request path is strictly non-blocking: when a queue
// is full the task is dropped and counted, never retried.

// TaskType enumerates the learning task kinds.
type TaskType string

const (
	TaskPatternUpdate     TaskType = "pattern_update"
	TaskModelTraining     TaskType = "model_training"
	TaskWeightUpdate      TaskType = "weight_update"
	TaskPatternExtraction TaskType = "pattern_extraction"
	TaskReputationUpdate  TaskType = "reputation_update"
	TaskDriftAnalysis     TaskType = "drift_analysis"
	TaskRuleConsolidation TaskType = "rule_consolidation"
)

// DetectorOutcome records how one detector leaned in the detection a task
// was derived from.
type DetectorOutcome struct {
	Name      string
	LeanedBot bool
}

// Task is one unit of learning work. Tasks must be idempotent: drop-on-full
// means any task can be lost, and retries are never issued.
type Task struct {
	Type           TaskType
	SignalKey      string
	Signature      string            // primary signature hash
	Patterns       map[string]string // pattern type → pattern hash
	BotProbability float64
	Confidence     float64
	// Label is ground truth when present (user feedback), nil otherwise.
	Label       *bool
	Detectors   []DetectorOutcome
	SubmittedAt time.Time
}

// Handler processes one task. Errors are counted, not retried.
type Handler func(ctx context.Context, task Task) error

// KeyStats is the per-key monitoring snapshot.
type KeyStats struct {
	SignalKey  string `json:"signalKey"`
	Submitted  uint64 `json:"submitted"`
	Processed  uint64 `json:"processed"`
	Dropped    uint64 `json:"dropped"`
	Failed     uint64 `json:"failed"`
	QueueDepth int    `json:"queueDepth"`
}

type keyWorker struct {
	queue     chan Task
	submitted uint64
	processed uint64
	dropped   uint64
	failed    uint64
}

// Coordinator fans learning tasks out to per-key workers.
type Coordinator struct {
	mu        sync.Mutex
	workers   map[string]*keyWorker
	handler   Handler
	queueSize int
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closed    bool
}

// DefaultQueueSize bounds each per-key queue.
const DefaultQueueSize = 256

func NewCoordinator(queueSize int, handler Handler) *Coordinator {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		workers:   make(map[string]*keyWorker),
		handler:   handler,
		queueSize: queueSize,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// TrySubmit enqueues a task under its signal key. Returns false when the
// coordinator is shut down or that key's queue is full; the task is then
// dropped and counted.
func (c *Coordinator) TrySubmit(signalKey string, task Task) bool {
	if signalKey == "" {
		return false
	}
	task.SignalKey = signalKey
	if task.SubmittedAt.IsZero() {
		task.SubmittedAt = time.Now()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	w, ok := c.workers[signalKey]
	if !ok {
		w = &keyWorker{queue: make(chan Task, c.queueSize)}
		c.workers[signalKey] = w
		c.wg.Add(1)
		go c.run(signalKey, w)
	}

	// The non-blocking send happens under the lock: Shutdown closes the
	// queues under the same lock, so the send can never hit a closed
	// channel.
	select {
	case w.queue <- task:
		w.submitted++
		c.mu.Unlock()
		return true
	default:
		w.dropped++
		c.mu.Unlock()
		metrics.LearningDroppedTotal.WithLabelValues(signalKey).Inc()
		return false
	}
}

func (c *Coordinator) run(signalKey string, w *keyWorker) {
	defer c.wg.Done()
	for task := range w.queue {
		c.process(signalKey, w, task)
	}
}

func (c *Coordinator) process(signalKey string, w *keyWorker, task Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Learning] worker %s: task %s panicked: %v", signalKey, task.Type, r)
			c.mu.Lock()
			w.failed++
			c.mu.Unlock()
		}
	}()

	if err := c.handler(c.ctx, task); err != nil {
		log.Printf("[Learning] worker %s: task %s failed: %v", signalKey, task.Type, err)
		c.mu.Lock()
		w.failed++
		c.mu.Unlock()
		return
	}
	c.mu.Lock()
	w.processed++
	c.mu.Unlock()
}

// Stats reports one key's counters.
func (c *Coordinator) Stats(signalKey string) (KeyStats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.workers[signalKey]
	if !ok {
		return KeyStats{}, false
	}
	return c.statsLocked(signalKey, w), true
}

// AllStats reports counters for every key seen so far.
func (c *Coordinator) AllStats() []KeyStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]KeyStats, 0, len(c.workers))
	for key, w := range c.workers {
		out = append(out, c.statsLocked(key, w))
	}
	return out
}

func (c *Coordinator) statsLocked(key string, w *keyWorker) KeyStats {
	return KeyStats{
		SignalKey:  key,
		Submitted:  w.submitted,
		Processed:  w.processed,
		Dropped:    w.dropped,
		Failed:     w.failed,
		QueueDepth: len(w.queue),
	}
}

// Shutdown stops accepting tasks and lets workers drain up to the timeout.
// Tasks still queued when the timeout fires are counted as dropped.
func (c *Coordinator) Shutdown(timeout time.Duration) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, w := range c.workers {
		close(w.queue)
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.cancel()
	case <-time.After(timeout):
		// Cancel in-flight handlers and write off whatever is still queued.
		c.cancel()
		c.mu.Lock()
		for key, w := range c.workers {
			if n := len(w.queue); n > 0 {
				w.dropped += uint64(n)
				log.Printf("[Learning] shutdown timeout: dropping %d queued tasks for %s", n, key)
			}
		}
		c.mu.Unlock()
	}
}
