// Package server keeps the authoritative set of registered clients in the
// Registry type and notifies registration listeners.
package server

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/justchat/internal/protocol"
)

// Subscription identifies a registered listener so it can be removed later.
type Subscription uint64

var nextSubscription atomic.Uint64

func newSubscription() Subscription {
	return Subscription(nextSubscription.Add(1))
}

// RegistrationListener is notified once for every client admitted by the registry.
type RegistrationListener func(client protocol.SimpleClient)

type registrationSub struct {
	id Subscription
	fn RegistrationListener
}

// Registry maps client uuids to their connection records. Removal of a record
// and closure of its transport happen in the same critical section, so no
// reader ever sees a registered client with a closed transport or the other
// way round.
type Registry struct {
	mu          sync.RWMutex
	clients     map[string]*Client
	byTransport map[Transport]*Client
	order       []*Client
	maxClients  int
	// shut is set by CloseAll; no client is admitted afterwards.
	shut bool

	listenersMu sync.RWMutex
	listeners   []registrationSub

	logger *logrus.Entry
}

// NewRegistry creates an empty registry admitting at most maxClients clients.
func NewRegistry(maxClients int, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = discardLogger()
	}
	return &Registry{
		clients:     make(map[string]*Client),
		byTransport: make(map[Transport]*Client),
		maxClients:  maxClients,
		logger:      logger.WithField("component", "registry"),
	}
}

// Register admits c, assigning a uuid when the client did not ask for one.
// It returns the canonical identity. The registry is unchanged on error.
func (r *Registry) Register(c *Client) (protocol.SimpleClient, error) {
	if c == nil {
		return protocol.SimpleClient{}, fmt.Errorf("%w: nil client", ErrInvalidIdentity)
	}
	if err := validateIdentity(c.identity); err != nil {
		return protocol.SimpleClient{}, err
	}

	r.mu.Lock()
	if r.shut {
		r.mu.Unlock()
		return protocol.SimpleClient{}, ErrServerStopped
	}
	if len(r.clients) >= r.maxClients {
		r.mu.Unlock()
		return protocol.SimpleClient{}, ErrConnectionLimitExceeded
	}
	if c.identity.UUID == "" {
		c.identity.UUID = uuid.NewString()
	} else if _, taken := r.clients[c.identity.UUID]; taken {
		r.mu.Unlock()
		return protocol.SimpleClient{}, ErrDuplicateUUID
	}

	if c.closed {
		r.mu.Unlock()
		return protocol.SimpleClient{}, ErrClientDisconnected
	}
	r.clients[c.identity.UUID] = c
	if c.transport != nil {
		r.byTransport[c.transport] = c
	}
	r.order = append(r.order, c)
	identity := c.identity
	count := len(r.clients)
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"uuid":  identity.UUID,
		"name":  identity.Name,
		"total": count,
	}).Info("Client registered")

	r.notifyRegistered(identity)
	return identity, nil
}

// Unregister removes the client with the given uuid, closes its send queue
// and its transport. Unknown uuids are ignored.
func (r *Registry) Unregister(id string) {
	if c, ok := r.Lookup(id); ok {
		r.remove(c)
	}
}

// remove unregisters c if it is still the record registered under its uuid.
func (r *Registry) remove(c *Client) {
	r.mu.Lock()
	current, ok := r.clients[c.identity.UUID]
	if !ok || current != c {
		r.mu.Unlock()
		return
	}
	closeErr := r.removeLocked(c)
	count := len(r.clients)
	r.mu.Unlock()

	entry := r.logger.WithFields(logrus.Fields{
		"uuid":  c.identity.UUID,
		"name":  c.identity.Name,
		"total": count,
	})
	if closeErr != nil {
		entry.WithError(closeErr).Warn("Error closing client connection")
	}
	entry.Info("Client unregistered")
}

// removeLocked must be called with r.mu held for writing. It returns the
// transport close error.
func (r *Registry) removeLocked(c *Client) error {
	delete(r.clients, c.identity.UUID)
	if c.transport != nil {
		delete(r.byTransport, c.transport)
	}
	if i := slices.Index(r.order, c); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
	c.closed = true
	close(c.send)
	return c.closeTransport()
}

// Lookup returns the record registered under id.
func (r *Registry) Lookup(id string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// LookupTransport returns the record owning t.
func (r *Registry) LookupTransport(t Transport) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byTransport[t]
	return c, ok
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// List returns a snapshot of the registered clients in registration order.
// The result is a copy and stays valid while the registry changes.
func (r *Registry) List() []protocol.SimpleClient {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]protocol.SimpleClient, len(r.order))
	for i, c := range r.order {
		list[i] = c.identity
	}
	return list
}

// snapshot returns the registered records in registration order.
func (r *Registry) snapshot() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// deliver queues a frame on c without blocking. It fails with
// ErrClientDisconnected if c is gone and ErrSlowConsumer if its queue is full.
func (r *Registry) deliver(c *Client, frame []byte) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if current, exists := r.clients[c.identity.UUID]; !exists || current != c || c.closed {
		return ErrClientDisconnected
	}

	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// CloseAll unregisters every client and refuses later registrations with
// ErrServerStopped. It returns the number of clients removed and the
// transport close failures.
func (r *Registry) CloseAll() (int, error) {
	var errs []error

	r.mu.Lock()
	r.shut = true
	clients := slices.Clone(r.order)
	for _, c := range clients {
		if err := r.removeLocked(c); err != nil {
			errs = append(errs, fmt.Errorf("close client %s: %w", c.identity.UUID, err))
		}
	}
	r.mu.Unlock()

	if len(clients) > 0 {
		r.logger.WithField("count", len(clients)).Info("Closed all client connections")
	}
	return len(clients), errors.Join(errs...)
}

// OnRegister adds a listener invoked after each successful registration.
func (r *Registry) OnRegister(fn RegistrationListener) Subscription {
	id := newSubscription()
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, registrationSub{id: id, fn: fn})
	r.listenersMu.Unlock()
	return id
}

// OffRegister removes a listener added with OnRegister. It reports whether
// the subscription was found.
func (r *Registry) OffRegister(id Subscription) bool {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	i := slices.IndexFunc(r.listeners, func(s registrationSub) bool { return s.id == id })
	if i < 0 {
		return false
	}
	r.listeners = slices.Delete(r.listeners, i, i+1)
	return true
}

func (r *Registry) notifyRegistered(identity protocol.SimpleClient) {
	r.listenersMu.RLock()
	listeners := slices.Clone(r.listeners)
	r.listenersMu.RUnlock()

	for _, sub := range listeners {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.WithFields(logrus.Fields{
						"uuid":  identity.UUID,
						"panic": rec,
					}).Error("Registration listener panicked")
				}
			}()
			sub.fn(identity)
		}()
	}
}

type identityRules struct {
	Name string `validate:"required,max=64"`
	UUID string `validate:"omitempty,uuid"`
}

func validateIdentity(identity protocol.SimpleClient) error {
	rules := identityRules{Name: identity.Name, UUID: identity.UUID}
	if err := validate.Struct(rules); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	if strings.ContainsFunc(identity.Name, unicode.IsControl) {
		return fmt.Errorf("%w: name contains control characters", ErrInvalidIdentity)
	}
	return nil
}
