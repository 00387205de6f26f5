package orchestrator

import (
	"context"
	"sync"
	"time"
)

// Stream is the ordered event sequence for one task. Events are retained for
// the life of the stream so a subscriber that joins late replays the exact
// sequence earlier subscribers saw; concurrent requests that share a flight
// therefore observe identical streams.
type Stream struct {
	taskID string

	mu     sync.Mutex
	cond   *sync.Cond
	events []Event
	closed bool

	// done closes when the terminal event lands, releasing context watchers.
	done chan struct{}
}

func newStream(taskID string) *Stream {
	s := &Stream{
		taskID: taskID,
		done:   make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// TaskID returns the task this stream belongs to.
func (s *Stream) TaskID() string { return s.taskID }

// Done closes when the terminal event has been published, context-style.
func (s *Stream) Done() <-chan struct{} { return s.done }

// publish appends one event. Events after the terminal one are dropped, which
// keeps the exactly-one-terminal invariant even if two failure paths race.
func (s *Stream) publish(t EventType, payload any) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.events = append(s.events, Event{
		Seq:     int64(len(s.events) + 1),
		TaskID:  s.taskID,
		Type:    t,
		At:      time.Now(),
		Payload: payload,
	})
	terminal := t == EventComplete || t == EventError
	if terminal {
		s.closed = true
	}
	s.cond.Broadcast()
	s.mu.Unlock()
	if terminal {
		close(s.done)
	}
}

// Snapshot returns a copy of all events published so far.
func (s *Stream) Snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Subscribe returns a channel that first replays history and then follows
// the live stream. The channel closes after the terminal event, or early when
// ctx is cancelled. Each subscriber walks the shared history at its own pace;
// slow consumers delay nobody.
func (s *Stream) Subscribe(ctx context.Context) <-chan Event {
	out := make(chan Event, 16)

	// Wake blocked walkers when the subscriber goes away. Broadcast under the
	// lock, otherwise a cancel landing between the walker's condition check
	// and its Wait would be lost.
	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		case <-s.done:
		}
	}()

	go func() {
		defer close(out)
		next := 0
		for {
			s.mu.Lock()
			for next >= len(s.events) && !s.closed && ctx.Err() == nil {
				s.cond.Wait()
			}
			if ctx.Err() != nil {
				s.mu.Unlock()
				return
			}
			if next >= len(s.events) {
				// Closed and fully drained.
				s.mu.Unlock()
				return
			}
			batch := s.events[next:]
			next = len(s.events)
			s.mu.Unlock()

			for _, ev := range batch {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
