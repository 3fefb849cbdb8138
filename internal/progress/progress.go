package progress

import (
	"sync"
	"time"
)

// Update is one step of a long-running run: a message, a completion percent
// and a timestamp. Consumers receive updates in emission order.
type Update struct {
	Message   string    `json:"message"`
	Percent   int       `json:"percent"`
	Timestamp time.Time `json:"timestamp"`
}

// Stream fans ordered progress updates out to subscribers. A nil *Stream is
// valid and drops everything, so callers never need to guard emission.
type Stream struct {
	mu   sync.Mutex
	subs []chan Update
	done bool
}

func NewStream() *Stream {
	return &Stream{}
}

// Subscribe returns a channel receiving all future updates. The channel is
// buffered; a slow consumer loses updates rather than stalling the run.
func (s *Stream) Subscribe() <-chan Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Update, 64)
	s.subs = append(s.subs, ch)
	return ch
}

// Emit publishes an update to every subscriber.
func (s *Stream) Emit(message string, percent int) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	u := Update{Message: message, Percent: percent, Timestamp: time.Now().UTC()}
	for _, ch := range s.subs {
		select {
		case ch <- u:
		default:
		}
	}
}

// Close ends the stream and closes all subscriber channels.
func (s *Stream) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	for _, ch := range s.subs {
		close(ch)
	}
}
