// SPDX-License-Identifier: LGPL-3.0-or-later

// Package retryqueue implements the bounded FIFO of outbound messages
// awaiting redelivery, grounded on the ticker-driven cleanup loop shape
// of core/session.Manager: a mutex-guarded map plus a background
// ticker that periodically scans and acts on every entry.
package retryqueue

import (
	"container/list"
	"sync"
	"time"

	"github.com/cc4me/agentmesh/internal/errs"
	"github.com/cc4me/agentmesh/internal/logger"
	"github.com/cc4me/agentmesh/internal/metrics"
	"github.com/cc4me/agentmesh/wire"
)

// Status is the delivery-status lifecycle of a queued entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSending   Status = "sending"
	StatusDelivered Status = "delivered"
	StatusExpired   Status = "expired"
	StatusFailed    Status = "failed"
)

// backoffSchedule is the fixed reattempt schedule: offsets from
// enqueue time at which the scanner should next try to deliver.
var backoffSchedule = []time.Duration{10 * time.Second, 30 * time.Second, 90 * time.Second}

const (
	// DefaultCapacity bounds the queue when the caller doesn't
	// configure one explicitly.
	DefaultCapacity = 100
	// TTL is how long an entry may sit in the queue before it expires.
	TTL = time.Hour
	// ScanInterval is how often the background scanner looks for
	// entries whose next attempt is due.
	ScanInterval = time.Second
)

// Entry is one message awaiting (re)delivery.
type Entry struct {
	ID          string
	Envelope    *wire.Envelope
	EnqueuedAt  time.Time
	NextAttempt time.Time
	Attempts    int
	Status      Status

	elem *list.Element
}

// Deliverer attempts to deliver one entry; returning nil means the
// entry is done (delivered) and should be removed.
type Deliverer func(e *Entry) error

// EventSink receives delivery-status transitions.
type EventSink interface {
	OnDeliveryStatus(messageID string, status Status)
}

// Queue is a bounded FIFO of retry entries with scheduled reattempts.
type Queue struct {
	mu       sync.Mutex
	order    *list.List // of *Entry, oldest first
	byID     map[string]*Entry
	capacity int

	deliver Deliverer
	sink    EventSink
	log     logger.Logger

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// New creates a queue with the given capacity (DefaultCapacity if <= 0)
// and starts its background scanner.
func New(capacity int, deliver Deliverer, sink EventSink, log logger.Logger) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if log == nil {
		log = logger.NewDefaultLogger()
	}
	q := &Queue{
		order:    list.New(),
		byID:     make(map[string]*Entry),
		capacity: capacity,
		deliver:  deliver,
		sink:     sink,
		log:      log,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue adds env for later delivery. Returns errs.QueueFull if the
// queue is already at capacity.
func (q *Queue) Enqueue(env *wire.Envelope) (*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.byID) >= q.capacity {
		return nil, errs.QueueFull("retry queue at capacity (%d)", q.capacity)
	}

	now := time.Now()
	e := &Entry{
		ID:          env.MessageID,
		Envelope:    env,
		EnqueuedAt:  now,
		NextAttempt: now.Add(backoffSchedule[0]),
		Status:      StatusPending,
	}
	e.elem = q.order.PushBack(e)
	q.byID[e.ID] = e
	metrics.RetryQueueDepth.Set(float64(len(q.byID)))
	return e, nil
}

// Len returns the current number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byID)
}

// Close stops the background scanner. Idempotent.
func (q *Queue) Close() {
	q.once.Do(func() {
		close(q.stopCh)
		<-q.doneCh
	})
}

func (q *Queue) run() {
	defer close(q.doneCh)
	ticker := time.NewTicker(ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.scan()
		}
	}
}

func (q *Queue) scan() {
	now := time.Now()
	var due []*Entry
	var expired []*Entry

	q.mu.Lock()
	for elem := q.order.Front(); elem != nil; {
		next := elem.Next()
		e := elem.Value.(*Entry)
		if now.Sub(e.EnqueuedAt) > TTL {
			expired = append(expired, e)
			q.order.Remove(elem)
			delete(q.byID, e.ID)
		} else if !now.Before(e.NextAttempt) && e.Status != StatusSending {
			due = append(due, e)
		}
		elem = next
	}
	metrics.RetryQueueDepth.Set(float64(len(q.byID)))
	q.mu.Unlock()

	for _, e := range expired {
		e.Status = StatusExpired
		metrics.DeliveryOutcomes.WithLabelValues("expired").Inc()
		if q.sink != nil {
			q.sink.OnDeliveryStatus(e.ID, StatusExpired)
		}
	}

	for _, e := range due {
		q.attempt(e)
	}
}

func (q *Queue) attempt(e *Entry) {
	q.mu.Lock()
	e.Status = StatusSending
	e.Attempts++
	attemptIdx := e.Attempts - 1
	q.mu.Unlock()

	if q.sink != nil {
		q.sink.OnDeliveryStatus(e.ID, StatusSending)
	}

	err := q.deliver(e)
	if err == nil {
		q.mu.Lock()
		delete(q.byID, e.ID)
		q.order.Remove(e.elem)
		metrics.RetryQueueDepth.Set(float64(len(q.byID)))
		q.mu.Unlock()

		e.Status = StatusDelivered
		metrics.DeliveryOutcomes.WithLabelValues("delivered").Inc()
		if q.sink != nil {
			q.sink.OnDeliveryStatus(e.ID, StatusDelivered)
		}
		return
	}

	q.log.Warn("retry delivery attempt failed", logger.String("messageId", e.ID), logger.Int("attempt", e.Attempts), logger.Error(err))

	if attemptIdx+1 >= len(backoffSchedule) {
		q.mu.Lock()
		delete(q.byID, e.ID)
		q.order.Remove(e.elem)
		metrics.RetryQueueDepth.Set(float64(len(q.byID)))
		q.mu.Unlock()

		e.Status = StatusFailed
		metrics.DeliveryOutcomes.WithLabelValues("failed").Inc()
		if q.sink != nil {
			q.sink.OnDeliveryStatus(e.ID, StatusFailed)
		}
		return
	}

	q.mu.Lock()
	e.Status = StatusPending
	e.NextAttempt = e.EnqueuedAt.Add(backoffSchedule[attemptIdx+1])
	q.mu.Unlock()
	if q.sink != nil {
		q.sink.OnDeliveryStatus(e.ID, StatusPending)
	}
}
