// Package events fans quiz lifecycle notifications out to parish subscribers.
package events

import (
	"context"
	"sync"
	"time"
)

type Type string

const (
	QuizCreated       Type = "quiz.created"
	QuizError         Type = "quiz.error"
	QuizActivated     Type = "quiz.activated"
	QuizClosed        Type = "quiz.closed"
	QuizUpdated       Type = "quiz.updated"
	QuizDeleted       Type = "quiz.deleted"
	ResponseSubmitted Type = "response.submitted"
)

// Event is scoped to one parish and never delivered outside it.
type Event struct {
	Type     Type      `json:"type"`
	ParishID string    `json:"parishId"`
	QuizID   string    `json:"quizId,omitempty"`
	UserID   string    `json:"userId,omitempty"`
	Message  string    `json:"message,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher is what producers depend on.
type Publisher interface {
	Publish(evt Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(Event) {}

const bufferSize = 16

type subscriber struct {
	parishID string
	ch       chan Event
}

// Hub keeps one buffered channel per subscriber.
type Hub struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]subscriber)}
}

// Subscribe returns a channel receiving parishID's events until ctx ends,
// at which point the channel is closed.
func (h *Hub) Subscribe(ctx context.Context, parishID string) <-chan Event {
	ch := make(chan Event, bufferSize)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = subscriber{parishID: parishID, ch: ch}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// Publish never blocks; a subscriber with a full buffer misses the event.
func (h *Hub) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if s.parishID != evt.ParishID {
			continue
		}
		select {
		case s.ch <- evt:
		default:
		}
	}
}

// Subscribers reports the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
