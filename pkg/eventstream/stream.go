package eventstream

import (
	"context"
	"iter"
	"sync"
)

// CompleteFunc reports whether an event terminates the stream and, if so, the
// final result carried by it.
type CompleteFunc[E any, R any] func(event E) (R, bool)

// Stream is an ordered, single-pass sequence of events coupled with a one-shot
// result that resolves exactly once.
//
// Producers never block: pushed events are buffered until a consumer reads them,
// so a caller that only waits on Result cannot stall the producer.
type Stream[E any, R any] struct {
	mu       sync.Mutex
	queue    []E
	closed   bool
	notify   chan struct{}
	done     chan struct{}
	result   R
	complete CompleteFunc[E, R]
}

// New creates a stream. complete may be nil, in which case only End resolves
// the result.
func New[E any, R any](complete CompleteFunc[E, R]) *Stream[E, R] {
	return &Stream[E, R]{
		notify:   make(chan struct{}),
		done:     make(chan struct{}),
		complete: complete,
	}
}

// Push appends an event. It returns false once the stream has completed; such
// events are dropped.
func (s *Stream[E, R]) Push(event E) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	s.queue = append(s.queue, event)
	if s.complete != nil {
		if result, ok := s.complete(event); ok {
			s.finishLocked(result)
		}
	}
	s.wakeLocked()
	return true
}

// End resolves the result without a terminal event. Calling End on a completed
// stream is a no-op.
func (s *Stream[E, R]) End(result R) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.finishLocked(result)
	s.wakeLocked()
}

func (s *Stream[E, R]) finishLocked(result R) {
	s.closed = true
	s.result = result
	close(s.done)
}

func (s *Stream[E, R]) wakeLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}

// Next returns the next event in push order. It blocks until an event is
// available, the stream completes and is drained, or ctx is done.
func (s *Stream[E, R]) Next(ctx context.Context) (E, bool) {
	var zero E
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			event := s.queue[0]
			s.queue[0] = zero
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return event, true
		}
		if s.closed {
			s.mu.Unlock()
			return zero, false
		}
		wait := s.notify
		s.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return zero, false
		}
	}
}

// All iterates the remaining events until the stream is drained or ctx is done.
func (s *Stream[E, R]) All(ctx context.Context) iter.Seq[E] {
	return func(yield func(E) bool) {
		for {
			event, ok := s.Next(ctx)
			if !ok || !yield(event) {
				return
			}
		}
	}
}

// Result waits for the stream to complete and returns its final value.
func (s *Stream[E, R]) Result(ctx context.Context) (R, error) {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.result, nil
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

// Done is closed once the result has resolved.
func (s *Stream[E, R]) Done() <-chan struct{} {
	return s.done
}

// Collect drains every event and returns them with the result.
func (s *Stream[E, R]) Collect(ctx context.Context) ([]E, R, error) {
	var events []E
	for event := range s.All(ctx) {
		events = append(events, event)
	}
	result, err := s.Result(ctx)
	return events, result, err
}
