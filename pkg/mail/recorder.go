package mail

import (
	"context"
	"sync"
)

// Recorder is an in-memory Mailer that keeps every message it is asked to send.
type Recorder struct {
	mu   sync.Mutex
	sent []Message
	Err  error
}

// Send records msg and returns the configured error, if any.
func (r *Recorder) Send(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.sent = append(r.sent, msg)
	return nil
}

// Sent returns a copy of the recorded messages.
func (r *Recorder) Sent() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.sent))
	copy(out, r.sent)
	return out
}
