// Package discovery provides an etcd-backed announcer and watcher that
// feed heartbeat.Tracker: every announced peer carries a name and a map of
// facility-name -> channel-spec, matching heartbeat.Message, not a
// drop-in of the teacher's Registry/ServiceInstance (which models a single
// address per service, not a set of named channels per peer).
//
// Adapted from the teacher's registry.EtcdRegistry: same lease + KeepAlive
// + prefix-Watch shape, reworked key layout and value schema for
// heartbeat.Message instead of registry.ServiceInstance.
package discovery

import (
	"context"
	"encoding/json"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/matrixspace/fabric/ferrors"
	"github.com/matrixspace/fabric/heartbeat"
)

const keyPrefix = "/fabric/peers/"

// Announcer registers this process's facility channels in etcd under a
// TTL lease, renewed automatically via KeepAlive — the etcd-backed
// analogue of actually emitting heartbeat broadcasts, for deployments that
// prefer a shared discovery store over peer-to-peer heartbeats.
type Announcer struct {
	client *clientv3.Client
}

// NewAnnouncer connects to the given etcd endpoints.
func NewAnnouncer(endpoints []string) (*Announcer, error) {
	c, err := clientv3.New(clientv3.Config{Endpoints: endpoints})
	if err != nil {
		return nil, &ferrors.Error{Kind: ferrors.TransportError, Op: "discovery.NewAnnouncer", Err: err}
	}
	return &Announcer{client: c}, nil
}

// Announce registers senderName's facility channels with a ttlSeconds
// lease and starts background renewal. It returns once the first Put has
// succeeded; lease expiry (if renewal stops, e.g. process crash) removes
// the entry automatically, same as the teacher's EtcdRegistry.Register.
func (a *Announcer) Announce(ctx context.Context, senderName string, facilityChannels map[string]string, ttlSeconds int64) error {
	lease, err := a.client.Grant(ctx, ttlSeconds)
	if err != nil {
		return &ferrors.Error{Kind: ferrors.TransportError, Op: "discovery.Announce", Err: err}
	}

	val, err := json.Marshal(facilityChannels)
	if err != nil {
		return &ferrors.Error{Kind: ferrors.DecodeError, Op: "discovery.Announce", Err: err}
	}

	if _, err := a.client.Put(ctx, keyPrefix+senderName, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return &ferrors.Error{Kind: ferrors.TransportError, Op: "discovery.Announce", Err: err}
	}

	ch, err := a.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return &ferrors.Error{Kind: ferrors.TransportError, Op: "discovery.Announce", Err: err}
	}
	go func() {
		for range ch {
		}
	}()
	return nil
}

// Withdraw removes senderName's entry immediately, for graceful shutdown
// ahead of lease expiry.
func (a *Announcer) Withdraw(ctx context.Context, senderName string) error {
	if _, err := a.client.Delete(ctx, keyPrefix+senderName); err != nil {
		return &ferrors.Error{Kind: ferrors.TransportError, Op: "discovery.Withdraw", Err: err}
	}
	return nil
}

// Close releases the underlying etcd client connection.
func (a *Announcer) Close() error { return a.client.Close() }

// Watcher observes the peers prefix and emits one heartbeat.Message per
// peer on every change — a push-based substitute for a process actually
// receiving that peer's broadcast heartbeat, feeding the same
// heartbeat.Tracker.ProcessHeartbeat call either way.
type Watcher struct {
	client *clientv3.Client
}

// NewWatcher connects to the given etcd endpoints.
func NewWatcher(endpoints []string) (*Watcher, error) {
	c, err := clientv3.New(clientv3.Config{Endpoints: endpoints})
	if err != nil {
		return nil, &ferrors.Error{Kind: ferrors.TransportError, Op: "discovery.NewWatcher", Err: err}
	}
	return &Watcher{client: c}, nil
}

// Watch returns a channel of heartbeat.Message updates derived from
// etcd's prefix watch — on any key event under the peers prefix, the
// whole peer set is re-fetched and replayed, mirroring the teacher's
// re-fetch-on-any-event Watch strategy (simpler than diffing individual
// watch events, at the cost of redundant re-delivery of unchanged peers).
func (w *Watcher) Watch(ctx context.Context) <-chan heartbeat.Message {
	out := make(chan heartbeat.Message, 16)
	go func() {
		defer close(out)
		w.emitAll(ctx, out)
		watchChan := w.client.Watch(ctx, keyPrefix, clientv3.WithPrefix())
		for range watchChan {
			w.emitAll(ctx, out)
		}
	}()
	return out
}

func (w *Watcher) emitAll(ctx context.Context, out chan<- heartbeat.Message) {
	resp, err := w.client.Get(ctx, keyPrefix, clientv3.WithPrefix())
	if err != nil {
		return
	}
	for _, kv := range resp.Kvs {
		senderName := string(kv.Key[len(keyPrefix):])
		var channels map[string]string
		if err := json.Unmarshal(kv.Value, &channels); err != nil {
			continue
		}
		select {
		case out <- heartbeat.Message{SenderName: senderName, FacilityChannels: channels}:
		case <-ctx.Done():
			return
		}
	}
}

// Close releases the underlying etcd client connection.
func (w *Watcher) Close() error { return w.client.Close() }
