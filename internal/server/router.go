// Package server routes inbound messages to listeners by kind and delivers
// outbound messages to client send queues through the Router type.
package server

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/justchat/internal/protocol"
)

// Listener handles a message received from a client. A returned error or a
// panic is logged and does not stop delivery to the other listeners.
type Listener func(msg protocol.Message, from protocol.SimpleClient) error

type subscription struct {
	id       Subscription
	listener Listener
}

// Router keeps a subscription table keyed by message kind. Listeners for a
// kind run in registration order.
type Router struct {
	mu   sync.RWMutex
	subs map[protocol.Kind][]subscription
	// kinds maps a subscription back to its table entry for Off.
	kinds map[Subscription]protocol.Kind

	registry     *Registry
	maxFrameSize int
	logger       *logrus.Entry
}

// NewRouter creates a Router delivering through registry.
func NewRouter(registry *Registry, maxFrameSize int, logger *logrus.Logger) *Router {
	if logger == nil {
		logger = discardLogger()
	}
	return &Router{
		subs:         make(map[protocol.Kind][]subscription),
		kinds:        make(map[Subscription]protocol.Kind),
		registry:     registry,
		maxFrameSize: maxFrameSize,
		logger:       logger.WithField("component", "router"),
	}
}

// On registers listener for messages of the given kind.
func (r *Router) On(kind protocol.Kind, listener Listener) Subscription {
	id := newSubscription()
	r.mu.Lock()
	r.subs[kind] = append(r.subs[kind], subscription{id: id, listener: listener})
	r.kinds[id] = kind
	r.mu.Unlock()
	return id
}

// OnFiltered registers f for the given kind.
func (r *Router) OnFiltered(kind protocol.Kind, f Filter) Subscription {
	return r.On(kind, f.Handle)
}

// OnClient registers listener for messages of kind sent by client only.
func (r *Router) OnClient(kind protocol.Kind, client protocol.SimpleClient, listener Listener) Subscription {
	return r.OnFiltered(kind, Filter{Match: SameClient(client), Inner: listener})
}

// Off removes a subscription. It reports whether it was found.
func (r *Router) Off(id Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	kind, ok := r.kinds[id]
	if !ok {
		return false
	}
	delete(r.kinds, id)

	subs := r.subs[kind]
	if i := slices.IndexFunc(subs, func(s subscription) bool { return s.id == id }); i >= 0 {
		// Clone so dispatches holding the old slice are unaffected.
		r.subs[kind] = slices.Delete(slices.Clone(subs), i, i+1)
	}
	return true
}

// Listeners returns the number of listeners registered for kind.
func (r *Router) Listeners(kind protocol.Kind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[kind])
}

// DispatchInbound invokes every listener registered for msg's kind.
func (r *Router) DispatchInbound(msg protocol.Message, from protocol.SimpleClient) {
	r.mu.RLock()
	subs := r.subs[msg.Kind()]
	r.mu.RUnlock()

	for _, sub := range subs {
		if err := r.invoke(sub, msg, from); err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"kind":         msg.Kind(),
				"uuid":         from.UUID,
				"subscription": sub.id,
			}).Error("Listener failed")
		}
	}
}

// invoke calls a listener, converting a panic into an error.
func (r *Router) invoke(sub subscription, msg protocol.Message, from protocol.SimpleClient) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("listener panicked: %v", rec)
		}
	}()
	return sub.listener(msg, from)
}

// Send encodes msg and queues it for the client identified by to. It fails
// with ErrClientDisconnected, without side effects, when the client is no
// longer connected.
func (r *Router) Send(msg protocol.Message, to protocol.SimpleClient) error {
	c, ok := r.registry.Lookup(to.UUID)
	if !ok || !c.identity.Same(to) {
		return ErrClientDisconnected
	}

	frame, err := protocol.AppendFrame(nil, msg, r.maxFrameSize)
	if err != nil {
		return err
	}
	return r.deliver(c, frame)
}

// Broadcast queues msg for every registered client except the one with the
// uuid in except. It returns the number of clients the frame was queued for.
func (r *Router) Broadcast(msg protocol.Message, except string) (int, error) {
	frame, err := protocol.AppendFrame(nil, msg, r.maxFrameSize)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, c := range r.registry.snapshot() {
		if c.identity.UUID == except {
			continue
		}
		if err := r.deliver(c, frame); err == nil {
			delivered++
		}
	}
	return delivered, nil
}

// deliver queues frame on c. A client whose queue is full is disconnected so
// that it cannot hold up delivery to anyone else.
func (r *Router) deliver(c *Client, frame []byte) error {
	err := r.registry.deliver(c, frame)
	if errors.Is(err, ErrSlowConsumer) {
		r.logger.WithFields(logrus.Fields{
			"uuid": c.identity.UUID,
			"name": c.identity.Name,
		}).Warn("Client removed due to full send buffer")
		r.registry.remove(c)
	}
	return err
}
