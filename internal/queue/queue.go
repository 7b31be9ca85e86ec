// Package queue owns the in-process permission request registry: pending
// and historical PermissionRequests, one-shot waiters, event fan-out, and
// best-effort persistence. The core is a mutex-guarded map plus a one-shot
// channel per pending request; filesystem requests additionally supersede
// older pending requests for the same target file.
package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Status is a PermissionRequest's lifecycle state.
type Status string

const (
	Pending  Status = "pending"
	Approved Status = "approved"
	Denied   Status = "denied"
)

// ResolvedBy records who resolved a request.
type ResolvedBy string

const (
	ByCLI  ResolvedBy = "cli"
	ByWeb  ResolvedBy = "web"
	ByAuto ResolvedBy = "auto"
)

// Category is re-declared here (rather than imported from internal/rules)
// as a plain string so that the queue package stays free of a dependency
// on the rules package; the control plane is responsible for keeping the
// two in sync.
type Category string

// PermissionRequest is one agent action awaiting or having received a
// decision.
type PermissionRequest struct {
	ID          string                 `json:"id"`
	Category    Category               `json:"category"`
	Action      string                 `json:"action"`
	Description string                 `json:"description"`
	Reason      string                 `json:"reason,omitempty"`
	Status      Status                 `json:"status"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   int64                  `json:"createdAt"`
	ResolvedAt  int64                  `json:"resolvedAt,omitempty"`
	ResolvedBy  ResolvedBy             `json:"resolvedBy,omitempty"`
}

// waiter is the one-shot completion primitive held per pending request. It
// is never exposed directly; callers only see the <-chan bool returned
// from Request.
type waiter struct {
	done chan bool
	once sync.Once
}

func newWaiter() *waiter {
	return &waiter{done: make(chan bool, 1)}
}

// signal delivers the outcome exactly once; subsequent calls are no-ops.
func (w *waiter) signal(approved bool) {
	w.once.Do(func() {
		w.done <- approved
		close(w.done)
	})
}

// Event is broadcast to subscribers on insert ("request") and on state
// transition ("resolve"). Subscribers must not block the queue; they are
// expected to copy into their own buffer (see Subscribe).
type Event struct {
	Type string // "request" | "resolve"
	Req  PermissionRequest
}

// Queue is the process-wide permission request registry.
type Queue struct {
	mu       sync.Mutex
	byID     map[string]*PermissionRequest
	waiters  map[string]*waiter
	counter  int64
	order    []string // insertion order of all IDs ever seen, for recent()/bulkResolve()

	subsMu sync.RWMutex
	subs   []chan Event

	persist *persister
}

// New creates an empty Queue backed by persistence at path. Call Init to
// load any previously persisted requests before serving traffic.
func New(path string) *Queue {
	q := &Queue{
		byID:    make(map[string]*PermissionRequest),
		waiters: make(map[string]*waiter),
	}
	q.persist = newPersister(path, func() []PermissionRequest {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.snapshotLocked()
	})
	return q
}

// Init loads persisted records and restores the monotonic counter from the
// maximum observed request id. Historical records are in terminal states;
// no waiters are recreated for them.
func (q *Queue) Init() error {
	records, err := q.persist.load()
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range records {
		r := records[i]
		q.byID[r.ID] = &r
		q.order = append(q.order, r.ID)
		if n, ok := parseReqNumber(r.ID); ok && n+1 > q.counter {
			q.counter = n + 1
		}
	}
	return nil
}

func parseReqNumber(id string) (int64, bool) {
	const prefix = "req-"
	if len(id) <= len(prefix) || id[:len(prefix)] != prefix {
		return 0, false
	}
	var n int64
	for _, c := range id[len(prefix):] {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	return n, true
}

// Subscribe returns a buffered channel that receives every Event the queue
// broadcasts, in emission order. The queue never blocks on a subscriber: if
// the buffer is full, the oldest unread event is dropped rather than
// stalling request()/resolve().
func (q *Queue) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	q.subsMu.Lock()
	q.subs = append(q.subs, ch)
	q.subsMu.Unlock()
	return ch
}

func (q *Queue) broadcast(ev Event) {
	q.subsMu.RLock()
	defer q.subsMu.RUnlock()
	for _, ch := range q.subs {
		select {
		case ch <- ev:
		default:
			// A slow subscriber never stalls queue mutation. Drop the oldest
			// pending event to make room rather than lose the newest one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// Request mints req-N, stores a pending record, registers a waiter, emits
// a "request" event, and schedules a persistence flush. It returns the
// request id and a channel yielding true iff later approved.
//
// For category "filesystem" with metadata["targetFile"] set, before minting
// the new id, every other pending filesystem request with the same
// targetFile is superseded: transitioned to denied/auto and its waiter
// signaled false. This runs before the new id is issued, so no observer
// ever sees both the superseder and superseded as pending simultaneously.
func (q *Queue) Request(category Category, action, description, reason string, metadata map[string]interface{}) (string, <-chan bool) {
	q.mu.Lock()

	var superseded []PermissionRequest
	if category == "filesystem" {
		if target, ok := metadata["targetFile"].(string); ok && target != "" {
			superseded = q.supersedeLocked(target)
		}
	}

	id := fmt.Sprintf("req-%d", q.counter)
	q.counter++
	req := &PermissionRequest{
		ID:          id,
		Category:    category,
		Action:      action,
		Description: description,
		Reason:      reason,
		Status:      Pending,
		Metadata:    metadata,
		CreatedAt:   nowMillis(),
	}
	q.byID[id] = req
	q.order = append(q.order, id)

	w := newWaiter()
	q.waiters[id] = w

	snapshot := *req
	q.mu.Unlock()

	for _, old := range superseded {
		q.broadcast(Event{Type: "resolve", Req: old})
	}
	log.Info().Str("id", id).Str("category", string(category)).Str("action", action).Msg("permission requested")
	q.broadcast(Event{Type: "request", Req: snapshot})
	q.persist.scheduleFlush()

	return id, w.done
}

// supersedeLocked denies every pending filesystem request targeting file and
// signals their waiters with false. It returns snapshots of the superseded
// requests so the caller can broadcast their resolve events ahead of the
// superseder's request event, after releasing q.mu. Caller must hold q.mu.
func (q *Queue) supersedeLocked(file string) []PermissionRequest {
	var out []PermissionRequest
	for _, id := range q.order {
		req := q.byID[id]
		if req == nil || req.Status != Pending || req.Category != "filesystem" {
			continue
		}
		target, _ := req.Metadata["targetFile"].(string)
		if target != file {
			continue
		}
		req.Status = Denied
		req.ResolvedAt = nowMillis()
		req.ResolvedBy = ByAuto
		if w, ok := q.waiters[id]; ok {
			w.signal(false)
			delete(q.waiters, id)
		}
		out = append(out, *req)
	}
	return out
}

// Resolve transitions id from pending to status, valid only from pending.
// It signals the waiter and emits a "resolve" event; the audit logger
// observes resolutions through a Subscribe channel, never inline here.
func (q *Queue) Resolve(id string, status Status, resolvedBy ResolvedBy) bool {
	q.mu.Lock()
	req, ok := q.byID[id]
	if !ok || req.Status != Pending {
		q.mu.Unlock()
		return false
	}
	req.Status = status
	req.ResolvedAt = nowMillis()
	req.ResolvedBy = resolvedBy

	w, hasWaiter := q.waiters[id]
	if hasWaiter {
		delete(q.waiters, id)
	}
	snapshot := *req
	q.mu.Unlock()

	if hasWaiter {
		w.signal(status == Approved)
	}

	log.Info().Str("id", id).Str("status", string(status)).Str("resolvedBy", string(resolvedBy)).Msg("permission resolved")
	q.broadcast(Event{Type: "resolve", Req: snapshot})
	q.persist.scheduleFlush()
	return true
}

// Approve is a convenience wrapper around Resolve.
func (q *Queue) Approve(id string, by ResolvedBy) bool {
	return q.Resolve(id, Approved, by)
}

// Deny is a convenience wrapper around Resolve.
func (q *Queue) Deny(id string, by ResolvedBy) bool {
	return q.Resolve(id, Denied, by)
}

// BulkResolve resolves every pending request of category, in insertion
// order, returning the count resolved.
func (q *Queue) BulkResolve(category Category, status Status, by ResolvedBy) int {
	q.mu.Lock()
	var ids []string
	for _, id := range q.order {
		req := q.byID[id]
		if req != nil && req.Status == Pending && req.Category == category {
			ids = append(ids, id)
		}
	}
	q.mu.Unlock()

	n := 0
	for _, id := range ids {
		if q.Resolve(id, status, by) {
			n++
		}
	}
	return n
}

// Pending returns all currently pending requests, insertion order.
func (q *Queue) Pending() []PermissionRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []PermissionRequest
	for _, id := range q.order {
		if req := q.byID[id]; req != nil && req.Status == Pending {
			out = append(out, *req)
		}
	}
	return out
}

// Recent returns up to limit most-recently-created requests (terminal or
// pending), newest first.
func (q *Queue) Recent(limit int) []PermissionRequest {
	if limit <= 0 {
		limit = 50
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []PermissionRequest
	for i := len(q.order) - 1; i >= 0 && len(out) < limit; i-- {
		if req := q.byID[q.order[i]]; req != nil {
			out = append(out, *req)
		}
	}
	return out
}

// Get returns the request with the given id.
func (q *Queue) Get(id string) (PermissionRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, ok := q.byID[id]
	if !ok {
		return PermissionRequest{}, false
	}
	return *req, true
}

// snapshotLocked returns every request, used by the persister. Caller must
// hold q.mu.
func (q *Queue) snapshotLocked() []PermissionRequest {
	out := make([]PermissionRequest, 0, len(q.order))
	for _, id := range q.order {
		if req := q.byID[id]; req != nil {
			out = append(out, *req)
		}
	}
	return out
}

// Flush forces an immediate persistence write, bypassing coalescing.
func (q *Queue) Flush() error {
	q.mu.Lock()
	snap := q.snapshotLocked()
	q.mu.Unlock()
	return q.persist.writeNow(snap)
}

// DenyAllPending denies every pending request with resolvedBy=auto. Used by
// graceful shutdown; waiters receive false.
func (q *Queue) DenyAllPending() int {
	q.mu.Lock()
	var ids []string
	for _, id := range q.order {
		if req := q.byID[id]; req != nil && req.Status == Pending {
			ids = append(ids, id)
		}
	}
	q.mu.Unlock()

	n := 0
	for _, id := range ids {
		if q.Resolve(id, Denied, ByAuto) {
			n++
		}
	}
	return n
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
