package mqtt

import "sync"

// Stream is one subscriber's view of a multicast feed.
//
// Values arrive on C in emission order, starting from the moment the stream
// was created. A slow reader never holds up the producer or other readers:
// undelivered values queue per stream until read.
//
// Close detaches the subscriber and closes C. When the producer ends (client
// Close) the values already queued are delivered before C is closed.
type Stream[T any] struct {
	c    chan T
	done chan struct{}
	wake chan struct{}

	mu       sync.Mutex
	pending  []T
	finished bool

	once    sync.Once
	release func()
}

func newStream[T any](release func()) *Stream[T] {
	s := &Stream[T]{
		c:       make(chan T),
		done:    make(chan struct{}),
		wake:    make(chan struct{}, 1),
		release: release,
	}
	go s.pump()
	return s
}

// C returns the channel values are delivered on.
func (s *Stream[T]) C() <-chan T {
	return s.c
}

// Done is closed when the subscriber calls Close.
func (s *Stream[T]) Done() <-chan struct{} {
	return s.done
}

// Close detaches the subscriber and discards undelivered values.
// Safe to call more than once.
func (s *Stream[T]) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.release != nil {
			s.release()
		}
	})
}

// push queues v for delivery.
func (s *Stream[T]) push(v T) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, v)
	s.mu.Unlock()
	s.signal()
}

// finish ends the stream from the producer side.
func (s *Stream[T]) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.signal()
}

func (s *Stream[T]) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Stream[T]) pump() {
	defer close(s.c)

	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			finished := s.finished
			s.mu.Unlock()
			if finished {
				return
			}
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		v := s.pending[0]
		var zero T
		s.pending[0] = zero
		s.pending = s.pending[1:]
		s.mu.Unlock()

		select {
		case s.c <- v:
		case <-s.done:
			return
		}
	}
}

// feed fans values out to every attached stream.
//
// The last value sent is remembered so that subscribe can replay it; this
// gives the connection state stream its "current state first" behaviour and
// backs ObserveRetained.
type feed[T any] struct {
	mu      sync.Mutex
	streams map[*Stream[T]]struct{}
	last    T
	hasLast bool
	closed  bool
}

func newFeed[T any]() *feed[T] {
	return &feed[T]{streams: make(map[*Stream[T]]struct{})}
}

// subscribe attaches a new stream. With replayLast the most recent value, if
// any, is queued before anything sent afterwards. onRelease runs after the
// stream is detached by its subscriber.
func (f *feed[T]) subscribe(replayLast bool, onRelease func()) *Stream[T] {
	var s *Stream[T]
	s = newStream[T](func() {
		f.remove(s)
		if onRelease != nil {
			onRelease()
		}
	})

	f.mu.Lock()
	defer f.mu.Unlock()

	if replayLast && f.hasLast {
		s.push(f.last)
	}
	if f.closed {
		s.finish()
		return s
	}
	f.streams[s] = struct{}{}
	return s
}

// send delivers v to every attached stream and returns how many there were.
func (f *feed[T]) send(v T) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0
	}
	f.last, f.hasLast = v, true
	for s := range f.streams {
		s.push(v)
	}
	return len(f.streams)
}

func (f *feed[T]) remove(s *Stream[T]) {
	f.mu.Lock()
	delete(f.streams, s)
	f.mu.Unlock()
}

// close finishes every attached stream. Later subscribers get a finished stream.
func (f *feed[T]) close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	for s := range f.streams {
		s.finish()
	}
	f.streams = nil
}

func (f *feed[T]) lastValue() (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last, f.hasLast
}

func (f *feed[T]) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}
