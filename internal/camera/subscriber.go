package camera

import (
	"github.com/andresmejia3/facegate/internal/types"
)

// Kind tags a subscriber with the class of consumer it belongs to.
type Kind string

const (
	KindDisplay     Kind = "display"
	KindRecognition Kind = "recognition"
	KindCapture     Kind = "capture"
)

// Subscriber receives every delivered frame. Each call gets its own copy.
// Subscribers are compared by identity, so implementations should be pointers.
type Subscriber interface {
	Name() string
	Kind() Kind
	OnFrame(f types.Frame)
}

// FuncSubscriber adapts a plain function.
type FuncSubscriber struct {
	name string
	kind Kind
	fn   func(types.Frame)
}

// NewSubscriber wraps fn. Two calls with the same fn produce distinct subscribers.
func NewSubscriber(name string, kind Kind, fn func(types.Frame)) *FuncSubscriber {
	return &FuncSubscriber{name: name, kind: kind, fn: fn}
}

func (s *FuncSubscriber) Name() string          { return s.name }
func (s *FuncSubscriber) Kind() Kind            { return s.kind }
func (s *FuncSubscriber) OnFrame(f types.Frame) { s.fn(f) }

// SubscriberInfo describes a registered subscriber in Status.
type SubscriberInfo struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
}

// Subscribe registers sub. Subscribing the same value twice is a no-op.
// Subscriptions survive Stop and Start.
func (s *Service) Subscribe(sub Subscriber) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, existing := range s.subs {
		if existing == sub {
			return
		}
	}
	s.subs = append(s.subs, sub)
	s.log.Debug("camera: subscriber added", "name", sub.Name(), "kind", sub.Kind())
}

// Unsubscribe removes sub if present.
func (s *Service) Unsubscribe(sub Subscriber) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for i, existing := range s.subs {
		if existing == sub {
			s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
			s.log.Debug("camera: subscriber removed", "name", sub.Name(), "kind", sub.Kind())
			return
		}
	}
}

func (s *Service) subscribers() []Subscriber {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	return append([]Subscriber(nil), s.subs...)
}

// deliver hands a private copy of f to every subscriber in registration order.
// The subscriber lock is not held while callbacks run.
func (s *Service) deliver(f types.Frame) {
	for _, sub := range s.subscribers() {
		s.invoke(sub, f.Clone())
	}
}

func (s *Service) invoke(sub Subscriber, f types.Frame) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("camera: subscriber panicked", "name", sub.Name(), "kind", sub.Kind(), "panic", r)
		}
	}()
	sub.OnFrame(f)
}
