package queue

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	apperrors "github.com/aegis-home/meshbridge/internal/errors"
	"github.com/aegis-home/meshbridge/internal/logging"
	"github.com/aegis-home/meshbridge/internal/model"
)

// persistEveryNMutations matches spec section 4.C's "every N
// modifications (N=64 recommended)".
const persistEveryNMutations = 64

// SendHandler attempts to deliver a single message and reports whether
// it was accepted by the transport. It must not block indefinitely;
// callers should bound it (e.g. via the transport's own timeout).
type SendHandler func(model.QueuedMessage) bool

// Config bundles the durable queue's tunables, mirroring spec
// section 4.C's defaults.
type Config struct {
	MaxSize         int
	BatchSize       int
	FlushInterval   time.Duration
	PersistencePath string
	MaxRetries      int
}

// Stats are the running counters surfaced by Status() and persisted
// alongside the queue contents.
type Stats struct {
	TotalQueued    int64
	TotalSent      int64
	TotalFailed    int64
	TotalRetried   int64
	AvgQueueTimeMs float64
}

// Status is the snapshot returned by Queue.Status().
type Status struct {
	Pending int
	Failed  int
	Sent    int
	Stats   Stats
}

// Queue is the durable, priority-ordered outbound message queue from
// spec section 4.C. It owns a PriorityQueue plus failed/sent maps, and
// drives a single-consumer send worker goroutine.
type Queue struct {
	cfg    Config
	log    *zap.Logger
	pq     *PriorityQueue
	cb     *gobreaker.CircuitBreaker

	mapsMu  sync.Mutex
	failed  map[string]model.QueuedMessage
	sent    map[string]model.QueuedMessage
	statsMu sync.Mutex
	stats   Stats

	handlerMu sync.RWMutex
	handler   SendHandler

	mutations int64 // count since last persist, guarded by mapsMu

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Queue. Call Start to load persisted state and begin
// the send worker.
func New(cfg Config, log *zap.Logger) *Queue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Queue{
		cfg:    cfg,
		log:    log,
		pq:     NewPriorityQueue(),
		failed: make(map[string]model.QueuedMessage),
		sent:   make(map[string]model.QueuedMessage),
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "outbound-queue-send",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// SetSendHandler installs the function used to attempt delivery of
// each dequeued message. Must be called before Start for the handler
// to take effect on the first tick, though it is safe to change later.
func (q *Queue) SetSendHandler(h SendHandler) {
	q.handlerMu.Lock()
	defer q.handlerMu.Unlock()
	q.handler = h
}

func (q *Queue) sendHandler() SendHandler {
	q.handlerMu.RLock()
	defer q.handlerMu.RUnlock()
	return q.handler
}

// Start loads any persisted state from cfg.PersistencePath and begins
// the send worker goroutine.
func (q *Queue) Start(ctx context.Context) error {
	if err := q.loadPersistedState(); err != nil {
		q.log.Warn("failed to load persisted queue state",
			logging.QueueFields("load", "").Error(err).Zap()...)
	}

	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})
	go q.runLoop(runCtx)
	q.log.Info("outbound queue started", logging.QueueFields("start", "").Zap()...)
	return nil
}

// Stop signals the send worker to exit, waits for it, and persists the
// final pending+failed state before returning.
func (q *Queue) Stop() error {
	if q.cancel != nil {
		q.cancel()
		<-q.done
	}
	err := q.persist()
	if err != nil {
		q.log.Error("final queue persistence failed", logging.QueueFields("stop", "").Error(err).Zap()...)
	}
	q.log.Info("outbound queue stopped", logging.QueueFields("stop", "").Zap()...)
	return err
}

func (q *Queue) runLoop(ctx context.Context) {
	defer close(q.done)
	ticker := time.NewTicker(q.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.processBatch()
		}
	}
}

func (q *Queue) processBatch() {
	handler := q.sendHandler()
	if handler == nil {
		return
	}
	for i := 0; i < q.cfg.BatchSize; i++ {
		msg, ok := q.pq.Pop()
		if !ok {
			return
		}
		q.sendOne(handler, msg)
	}
}

func (q *Queue) sendOne(handler SendHandler, msg model.QueuedMessage) {
	now := time.Now().UTC()
	msg.Status = model.StatusSending
	msg.SentAt = &now

	success := q.callHandler(handler, msg)

	if success {
		delivered := time.Now().UTC()
		msg.Status = model.StatusDelivered
		msg.DeliveredAt = &delivered

		q.mapsMu.Lock()
		q.sent[msg.ID] = msg
		q.mapsMu.Unlock()

		q.statsMu.Lock()
		q.stats.TotalSent++
		queueTimeMs := float64(delivered.Sub(msg.CreatedAt).Milliseconds())
		total := float64(q.stats.TotalSent)
		q.stats.AvgQueueTimeMs = (q.stats.AvgQueueTimeMs*(total-1) + queueTimeMs) / total
		q.statsMu.Unlock()

		q.bumpMutations()
		q.log.Info("message delivered", logging.QueueFields("deliver", msg.ID).Zap()...)
		return
	}

	q.handleSendFailure(msg)
}

// callHandler invokes the send handler through the circuit breaker.
// While the breaker is open after repeated failures, calls fail without
// reaching the handler; a handler call that blocks is not interrupted
// or timed out by the breaker. A tripped breaker is treated the same
// as a returned-false send.
func (q *Queue) callHandler(handler SendHandler, msg model.QueuedMessage) bool {
	result, err := q.cb.Execute(func() (interface{}, error) {
		if handler(msg) {
			return true, nil
		}
		return false, apperrors.New(apperrors.ErrorTypeNetwork, "send handler reported failure")
	})
	if err != nil {
		return false
	}
	return result.(bool)
}

// handleSendFailure implements spec 4.C's retry/demotion policy:
// retry_count += 1; if still under max_retries, demote priority
// (CRITICAL never demotes) and re-enqueue; otherwise terminate FAILED.
func (q *Queue) handleSendFailure(msg model.QueuedMessage) {
	msg.RetryCount++
	q.statsMu.Lock()
	q.stats.TotalRetried++
	q.statsMu.Unlock()

	if msg.RetryCount < msg.MaxRetries {
		msg.Status = model.StatusPending
		if msg.Priority != model.PriorityCritical {
			msg.Priority = msg.Priority.Demote()
		}
		q.pq.Push(msg)
		q.log.Warn("message retry scheduled",
			logging.QueueFields("retry", msg.ID).Custom("retry_count", msg.RetryCount).Custom("max_retries", msg.MaxRetries).Zap()...)
		return
	}

	msg.Status = model.StatusFailed
	q.mapsMu.Lock()
	q.failed[msg.ID] = msg
	q.mapsMu.Unlock()

	q.statsMu.Lock()
	q.stats.TotalFailed++
	q.statsMu.Unlock()

	q.bumpMutations()
	q.log.Error("message failed after exhausting retries",
		logging.QueueFields("fail", msg.ID).Custom("retry_count", msg.RetryCount).Zap()...)
}

// Enqueue builds a QueuedMessage from its parts and pushes it, per the
// `enqueue(text, destination?, priority, protocol, metadata)` contract
// in spec 4.C.
func (q *Queue) Enqueue(id, text, destination string, priority model.Priority, protocol model.Protocol, metadata map[string]interface{}) string {
	msg := model.QueuedMessage{
		ID:          id,
		Text:        text,
		Destination: destination,
		Priority:    priority,
		Protocol:    protocol,
		Status:      model.StatusPending,
		CreatedAt:   time.Now().UTC(),
		MaxRetries:  q.cfg.MaxRetries,
		Metadata:    metadata,
	}
	return q.EnqueueMessage(msg)
}

// EnqueueMessage pushes a fully-constructed message, applying overflow
// eviction first if the queue is at capacity.
func (q *Queue) EnqueueMessage(msg model.QueuedMessage) string {
	if q.pq.Size() >= q.cfg.MaxSize {
		q.evictLowestPriority()
	}
	q.pq.Push(msg)

	q.statsMu.Lock()
	q.stats.TotalQueued++
	q.statsMu.Unlock()

	q.bumpMutations()
	return msg.ID
}

// evictLowestPriority implements the overflow policy from spec 4.C:
// the lowest-priority (highest value) message is evicted and recorded
// FAILED; ties broken by oldest insertion. Logged, not an error.
func (q *Queue) evictLowestPriority() {
	victim, ok := q.pq.LowestPriority()
	if !ok {
		return
	}
	q.pq.Remove(victim.ID)
	victim.Status = model.StatusFailed

	q.mapsMu.Lock()
	q.failed[victim.ID] = victim
	q.mapsMu.Unlock()

	q.log.Warn("queue overflow, evicted lowest priority message",
		logging.QueueFields("overflow", victim.ID).Custom("priority", victim.Priority.String()).Zap()...)
}

// RetryFailed moves a failed message back to pending with a reset
// retry count, per spec 4.C's `retry_failed(id) -> bool`.
func (q *Queue) RetryFailed(id string) bool {
	q.mapsMu.Lock()
	msg, ok := q.failed[id]
	if ok {
		delete(q.failed, id)
	}
	q.mapsMu.Unlock()
	if !ok {
		return false
	}
	msg.Status = model.StatusPending
	msg.RetryCount = 0
	q.pq.Push(msg)
	q.bumpMutations()
	return true
}

// RetryAllFailed retries every currently-failed message, returning the
// count retried.
func (q *Queue) RetryAllFailed() int {
	q.mapsMu.Lock()
	ids := make([]string, 0, len(q.failed))
	for id := range q.failed {
		ids = append(ids, id)
	}
	q.mapsMu.Unlock()

	count := 0
	for _, id := range ids {
		if q.RetryFailed(id) {
			count++
		}
	}
	return count
}

// GetMessage looks up a message by id across pending, sent, and
// failed state.
func (q *Queue) GetMessage(id string) (model.QueuedMessage, bool) {
	for _, msg := range q.pq.Snapshot() {
		if msg.ID == id {
			return msg, true
		}
	}
	q.mapsMu.Lock()
	defer q.mapsMu.Unlock()
	if msg, ok := q.sent[id]; ok {
		return msg, true
	}
	if msg, ok := q.failed[id]; ok {
		return msg, true
	}
	return model.QueuedMessage{}, false
}

// Status returns a snapshot of queue depth and statistics.
func (q *Queue) Status() Status {
	q.mapsMu.Lock()
	failedLen := len(q.failed)
	sentLen := len(q.sent)
	q.mapsMu.Unlock()

	q.statsMu.Lock()
	stats := q.stats
	q.statsMu.Unlock()

	return Status{
		Pending: q.pq.Size(),
		Failed:  failedLen,
		Sent:    sentLen,
		Stats:   stats,
	}
}

func (q *Queue) bumpMutations() {
	q.mapsMu.Lock()
	q.mutations++
	due := q.mutations >= persistEveryNMutations
	if due {
		q.mutations = 0
	}
	q.mapsMu.Unlock()
	if due {
		if err := q.persist(); err != nil {
			q.log.Error("periodic queue persistence failed", logging.QueueFields("persist", "").Error(err).Zap()...)
		}
	}
}

func (q *Queue) persist() error {
	q.mapsMu.Lock()
	failed := make([]model.QueuedMessage, 0, len(q.failed))
	for _, msg := range q.failed {
		failed = append(failed, msg)
	}
	q.mapsMu.Unlock()

	q.statsMu.Lock()
	stats := q.stats
	q.statsMu.Unlock()

	state := persistedState{
		Pending: q.pq.Snapshot(),
		Failed:  failed,
		Stats: persistedStats{
			TotalQueued:    stats.TotalQueued,
			TotalSent:      stats.TotalSent,
			TotalFailed:    stats.TotalFailed,
			TotalRetried:   stats.TotalRetried,
			AvgQueueTimeMs: stats.AvgQueueTimeMs,
		},
		Timestamp: time.Now().UTC(),
	}
	return writeAtomic(q.cfg.PersistencePath, state)
}

func (q *Queue) loadPersistedState() error {
	state, skipped, ok, err := loadPersisted(q.cfg.PersistencePath)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	for _, msg := range state.Pending {
		q.pq.Push(msg)
	}
	q.mapsMu.Lock()
	for _, msg := range state.Failed {
		q.failed[msg.ID] = msg
	}
	q.mapsMu.Unlock()

	q.statsMu.Lock()
	q.stats = Stats{
		TotalQueued:    state.Stats.TotalQueued,
		TotalSent:      state.Stats.TotalSent,
		TotalFailed:    state.Stats.TotalFailed,
		TotalRetried:   state.Stats.TotalRetried,
		AvgQueueTimeMs: state.Stats.AvgQueueTimeMs,
	}
	q.statsMu.Unlock()

	if skipped > 0 {
		q.log.Warn("skipped corrupt persisted queue entries", logging.QueueFields("load", "").Custom("skipped", skipped).Zap()...)
	}
	q.log.Info("loaded persisted queue state",
		logging.QueueFields("load", "").Custom("pending", len(state.Pending)).Custom("failed", len(state.Failed)).Zap()...)
	return nil
}
