package events

import "sync"

// Receiver fans every event out to all listeners. Send blocks until each
// listener has taken the event, so listeners must be drained until Close.
type Receiver struct {
	mu        sync.RWMutex
	listeners []chan Event
	closed    bool
}

func New() *Receiver {
	return &Receiver{
		listeners: make([]chan Event, 0),
	}
}

// Listen registers a new listener. The channel is closed by Close; a
// listener registered after Close gets an already closed channel.
func (er *Receiver) Listen() <-chan Event {
	er.mu.Lock()
	defer er.mu.Unlock()

	ch := make(chan Event)
	if er.closed {
		close(ch)
		return ch
	}
	er.listeners = append(er.listeners, ch)
	return ch
}

func (er *Receiver) Send(event Event) {
	er.mu.RLock()
	defer er.mu.RUnlock()

	for _, ch := range er.listeners {
		ch <- event
	}
}

// Close closes every listener. Events sent afterwards are dropped.
// Close may be called more than once.
func (er *Receiver) Close() {
	er.mu.Lock()
	defer er.mu.Unlock()

	for _, ch := range er.listeners {
		close(ch)
	}
	er.listeners = make([]chan Event, 0)
	er.closed = true
}
