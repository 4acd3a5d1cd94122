package server

import "github.com/Tyrowin/justchat/internal/protocol"

// Predicate decides whether a message from the given sender is delivered.
type Predicate func(sender protocol.SimpleClient) bool

// SameClient matches messages whose sender has both the name and the uuid of
// target. Names alone are not unique.
func SameClient(target protocol.SimpleClient) Predicate {
	return func(sender protocol.SimpleClient) bool {
		return target.Same(sender)
	}
}

// Filter wraps a listener with a sender predicate.
type Filter struct {
	Match Predicate
	Inner Listener
}

// Handle delivers msg to Inner when Match accepts the sender.
func (f Filter) Handle(msg protocol.Message, from protocol.SimpleClient) error {
	if f.Match != nil && !f.Match(from) {
		return nil
	}
	return f.Inner(msg, from)
}
