// Package subscriber implements RemoteSubscriberHelper: it tracks which
// subscription IDs are currently open against which remote locators, and
// drives the drain-and-unsubscribe sequence a node runs on exit.
//
// Grounded directly on original_source/tm_kit/transport/RemoteTransactionSubscriberManagingUtils.hpp's
// saveIDAndRemoveConnector / removeID / unsubscribe triad: save on first
// Subscription reply, drop unconditionally on Deregister (the server is
// gone, no unsubscribe round-trip needed), emit one Unsubscription request
// per remaining entry when draining starts, and signal exit once the id
// map is empty — either immediately (nothing was open) or once every
// outstanding unsubscribe has been acknowledged.
package subscriber

import (
	"context"
	"sync"

	"github.com/matrixspace/fabric/locator"
)

// SubscriptionID identifies one open remote subscription.
type SubscriptionID uint64

// UnsubscribeRequest is emitted by DrainOnExit for every subscription still
// open when the drain sequence starts.
type UnsubscribeRequest struct {
	Locator locator.ConnectionLocator
	ID      SubscriptionID
}

type entry struct {
	loc locator.ConnectionLocator
	id  SubscriptionID
}

// Helper tracks the locator <-> subscription ID relationship for one node
// and coordinates its exit-time drain.
type Helper struct {
	mu        sync.Mutex
	byLocator map[string]entry
	byID      map[SubscriptionID]string
	draining  bool
	exitOnce  sync.Once
	exit      chan struct{}
	cancel    context.CancelFunc
}

// NewHelper constructs an empty Helper.
func NewHelper() *Helper {
	return &Helper{
		byLocator: make(map[string]entry),
		byID:      make(map[SubscriptionID]string),
		exit:      make(chan struct{}),
	}
}

// SetExitFunc registers a CancelFunc invoked the moment the id map drains
// to empty, matching the module's env.Exit() convention (§6).
func (h *Helper) SetExitFunc(cancel context.CancelFunc) {
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()
}

// OnSubscriptionReply records id as the subscription open against loc. Only
// the first reply for a given locator is saved — a later reply for the
// same locator (a duplicate or retransmit) is ignored, mirroring
// saveIDAndRemoveConnector's "don't clobber an existing mapping" behavior.
func (h *Helper) OnSubscriptionReply(loc locator.ConnectionLocator, id SubscriptionID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := loc.Key()
	if _, exists := h.byLocator[key]; exists {
		return
	}
	h.byLocator[key] = entry{loc: loc, id: id}
	h.byID[id] = key
}

// OnDeregister drops the subscription associated with loc unconditionally:
// the remote server is gone, so no unsubscribe round-trip is needed.
func (h *Helper) OnDeregister(loc locator.ConnectionLocator) {
	h.mu.Lock()
	key := loc.Key()
	e, ok := h.byLocator[key]
	if ok {
		delete(h.byLocator, key)
		delete(h.byID, e.id)
	}
	empty := len(h.byLocator) == 0
	draining := h.draining
	h.mu.Unlock()
	if ok && draining && empty {
		h.signalExit()
	}
}

// OnUnsubscriptionReply removes the entry for originalID once its
// unsubscribe has been acknowledged. It reports whether the id map has now
// drained to empty while a drain was in progress.
func (h *Helper) OnUnsubscriptionReply(originalID SubscriptionID) (drained bool) {
	h.mu.Lock()
	key, ok := h.byID[originalID]
	if ok {
		delete(h.byID, originalID)
		delete(h.byLocator, key)
	}
	empty := len(h.byLocator) == 0
	draining := h.draining
	h.mu.Unlock()
	if draining && empty {
		h.signalExit()
		return true
	}
	return false
}

// DrainOnExit starts the exit sequence: it returns one UnsubscribeRequest
// per subscription still open. If the id map was already empty, it signals
// exit immediately and returns nil.
func (h *Helper) DrainOnExit() []UnsubscribeRequest {
	h.mu.Lock()
	h.draining = true
	reqs := make([]UnsubscribeRequest, 0, len(h.byLocator))
	for _, e := range h.byLocator {
		reqs = append(reqs, UnsubscribeRequest{Locator: e.loc, ID: e.id})
	}
	empty := len(h.byLocator) == 0
	h.mu.Unlock()
	if empty {
		h.signalExit()
	}
	return reqs
}

// Done closes once the id map has fully drained after DrainOnExit was
// called.
func (h *Helper) Done() <-chan struct{} { return h.exit }

func (h *Helper) signalExit() {
	h.exitOnce.Do(func() {
		close(h.exit)
		h.mu.Lock()
		cancel := h.cancel
		h.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
}
