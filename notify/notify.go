// Package notify delivers payload-free change signals to connected identities.
//
// Delivery is best-effort and at-most-once: an identity without an advertised
// connection is skipped, nothing is queued for later, and a transport that
// cannot accept the envelope drops it.
package notify

import (
	"context"
	"encoding/json"

	"github.com/tryfix/log"

	"wapp/registry"
)

type EventKind string

const (
	NewPersonMessage      EventKind = "NewPersonMessage"
	NewGroupMessage       EventKind = "NewGroupMessage"
	ContactOrGroupChanged EventKind = "ContactOrGroupChanged"
)

// Notification is one (identity, kind) pair produced by a mutating operation.
type Notification struct {
	Identity string
	Kind     EventKind
}

type envelope struct {
	EventKind EventKind `json:"eventKind"`
}

// To builds one notification of kind per identity, skipping empty and
// repeated identities while keeping first-seen order.
func To(kind EventKind, identities ...string) []Notification {
	out := make([]Notification, 0, len(identities))
	seen := make(map[string]struct{}, len(identities))
	for _, id := range identities {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, Notification{Identity: id, Kind: kind})
	}
	return out
}

// Encode returns the wire envelope for kind.
func Encode(kind EventKind) []byte {
	payload, _ := json.Marshal(envelope{EventKind: kind})
	return payload
}

type Broadcaster struct {
	reg   *registry.Registry
	log   log.Logger
	queue chan []Notification
}

func NewBroadcaster(reg *registry.Registry, logger log.Logger, queueSize int) *Broadcaster {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Broadcaster{
		reg:   reg,
		log:   logger,
		queue: make(chan []Notification, queueSize),
	}
}

// Notify delivers kind to identity's live connection, if there is one.
func (b *Broadcaster) Notify(identity string, kind EventKind) bool {
	conn, ok := b.reg.Lookup(identity)
	if !ok {
		return false
	}
	if !conn.Send(Encode(kind)) {
		b.log.Debug(`notification dropped by transport`, identity, kind)
		return false
	}
	return true
}

// Deliver sends every notification synchronously and returns how many reached
// a live connection.
func (b *Broadcaster) Deliver(ns []Notification) int {
	delivered := 0
	for _, n := range ns {
		if b.Notify(n.Identity, n.Kind) {
			delivered++
		}
	}
	return delivered
}

// Publish hands a batch to the delivery loop without blocking. A full queue
// drops the batch.
func (b *Broadcaster) Publish(ns ...Notification) {
	if len(ns) == 0 {
		return
	}
	select {
	case b.queue <- ns:
	default:
		b.log.Warn(`notification queue full, dropping batch`, len(ns))
	}
}

// Run consumes published batches until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ns := <-b.queue:
			n := b.Deliver(ns)
			b.log.Trace(`notifications delivered`, n, len(ns))
		}
	}
}
