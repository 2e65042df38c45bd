// Package onesignal implements a re-armable one-shot signal: a channel
// that closes once to wake every waiter, then is immediately replaced so
// the next caller can chain onto the following occurrence.
package onesignal

import "sync"

// Signal is safe for concurrent use.
type Signal struct {
	mu sync.Mutex
	ch chan struct{}
}

// New returns a Signal armed for its first occurrence.
func New() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Wait returns the channel for the next occurrence. It closes exactly once;
// call Wait again afterwards to chain onto the occurrence after that.
func (s *Signal) Wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// Fire wakes every current waiter and re-arms the signal.
func (s *Signal) Fire() {
	s.mu.Lock()
	old := s.ch
	s.ch = make(chan struct{})
	s.mu.Unlock()
	close(old)
}
