package hub

import (
	"context"
	"strconv"
	"sync"

	"github.com/holesch/not-my-board/internal/apperr"
)

// placeEntry is the hub-side registry row for one Place: its static
// description, the connection id of the exporter that registered it, and
// (while reserved) the connection id of the agent holding it. This is
// also where HubReservation lives, as a field rather than a separate map,
// since a place holds at most one reservation at a time.
type placeEntry struct {
	place          Place
	exporterConnID string
	reservedBy     string // "" when available
}

// waiter is one WaitQueueEntry: the set of candidate place ids still
// believed live when it was enqueued, and the channel its Reserve call is
// blocked reading from.
type waiter struct {
	seq        uint64
	connID     string
	candidates map[int]bool
	result     chan reserveResult
}

type reserveResult struct {
	placeID int
	err     error
}

// Engine owns the place registry and the FIFO reservation wait queue. All
// state transitions happen under a single mutex; the invariants in
// spec.md §3 are checked by construction rather than asserted.
type Engine struct {
	mu        sync.Mutex
	places    map[int]*placeEntry
	nextID    int
	nextSeq   uint64
	waitQueue []*waiter
}

// NewEngine returns an empty Engine.
func NewEngine() *Engine {
	return &Engine{places: make(map[int]*placeEntry)}
}

// RegisterPlace assigns a fresh, never-reused id to place and stores it as
// available, owned by exporterConnID.
func (e *Engine) RegisterPlace(place Place, exporterConnID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	id := e.nextID
	place.ID = id
	e.places[id] = &placeEntry{place: place, exporterConnID: exporterConnID}
	return id
}

// HandoffResult describes what happened to a place's reservation after a
// return_reservation call: either it went back to available, or the wait
// queue immediately handed it to the next waiter.
type HandoffResult struct {
	PlaceID    int
	HandedOffTo string // "" if the place is simply available again
}

// RemovePlace deletes a place (the exporter's channel closed). If it was
// reserved, the reserving connection id is returned so the caller can
// clean it up. Every wait-queue entry that listed this id as a candidate
// has it struck; entries left with no live candidates fail with
// AllCandidatesGone.
func (e *Engine) RemovePlace(id int) (reservedBy string, wasReserved bool, failedWaiters []*waiter) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.places[id]
	if !ok {
		return "", false, nil
	}
	delete(e.places, id)

	kept := e.waitQueue[:0]
	for _, w := range e.waitQueue {
		delete(w.candidates, id)
		if len(w.candidates) == 0 {
			w.result <- reserveResult{err: apperr.AllCandidatesGone()}
			failedWaiters = append(failedWaiters, w)
			continue
		}
		kept = append(kept, w)
	}
	e.waitQueue = kept

	if entry.reservedBy != "" {
		return entry.reservedBy, true, failedWaiters
	}
	return "", false, failedWaiters
}

// Places returns a snapshot of every live place (available or reserved).
func (e *Engine) Places() []Place {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := make([]Place, 0, len(e.places))
	for _, entry := range e.places {
		result = append(result, entry.place)
	}
	return result
}

// ExporterConn returns the connection id that registered placeID.
func (e *Engine) ExporterConn(placeID int) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.places[placeID]
	if !ok {
		return "", false
	}
	return entry.exporterConnID, true
}

// Reserve implements spec.md §3/§4.4's reservation algorithm: grant an
// available candidate immediately (whichever Go's map iteration over the
// live candidates yields first, so neither the caller's order nor a
// uniform draw decides among several), or block in FIFO order until one
// of them is returned, fails with NoSuchCandidates synchronously if none
// of the candidates currently exist, and removes exactly its own queue
// entry on cancellation.
func (e *Engine) Reserve(ctx context.Context, candidates []int, waiterConnID string) (int, error) {
	e.mu.Lock()

	live := make(map[int]bool, len(candidates))
	for _, id := range candidates {
		if _, ok := e.places[id]; ok {
			live[id] = true
		}
	}
	if len(live) == 0 {
		e.mu.Unlock()
		return 0, apperr.NoSuchCandidates()
	}

	for id := range live {
		entry := e.places[id]
		if entry.reservedBy == "" {
			entry.reservedBy = waiterConnID
			e.mu.Unlock()
			return id, nil
		}
	}

	e.nextSeq++
	w := &waiter{seq: e.nextSeq, connID: waiterConnID, candidates: live, result: make(chan reserveResult, 1)}
	e.waitQueue = append(e.waitQueue, w)
	e.mu.Unlock()

	select {
	case res := <-w.result:
		return res.placeID, res.err
	case <-ctx.Done():
		e.removeWaiter(w)
		return 0, ctx.Err()
	}
}

func (e *Engine) removeWaiter(target *waiter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, w := range e.waitQueue {
		if w == target {
			e.waitQueue = append(e.waitQueue[:i], e.waitQueue[i+1:]...)
			return
		}
	}
}

// ReturnReservation releases placeID, held by callerConnID, handing it
// directly to the earliest FIFO waiter that still lists it as a
// candidate, if any. This is the fix for spec.md §9's noted allow-list
// hand-off gap: the returned HandoffResult tells the caller exactly which
// connection (if any) the place's allow-list must now authorize, so the
// hub never leaves an allow-list stale across a hand-off.
func (e *Engine) ReturnReservation(placeID int, callerConnID string) (HandoffResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.places[placeID]
	if !ok {
		return HandoffResult{}, apperr.NotReserved(placeName(placeID))
	}
	if entry.reservedBy != callerConnID {
		return HandoffResult{}, apperr.NotReserved(placeName(placeID))
	}

	for i, w := range e.waitQueue {
		if !w.candidates[placeID] {
			continue
		}
		e.waitQueue = append(e.waitQueue[:i], e.waitQueue[i+1:]...)
		entry.reservedBy = w.waiterID()
		w.result <- reserveResult{placeID: placeID}
		return HandoffResult{PlaceID: placeID, HandedOffTo: entry.reservedBy}, nil
	}

	entry.reservedBy = ""
	return HandoffResult{PlaceID: placeID}, nil
}

func (w *waiter) waiterID() string {
	return w.connID
}

func placeName(id int) string {
	return "place#" + strconv.Itoa(id)
}
