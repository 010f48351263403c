// Package shutdown provides the cooperative stop flag shared by the
// batch controller and the network pipeline. Consumers poll the flag
// between work units; in-flight encoder subprocesses always run to
// completion.
package shutdown

import (
	"os"
	"os/signal"
	"sync"
)

// Flag is a thread-safe boolean stop request. The zero value is usable.
// Signal sources are injected from the outside so tests can trigger
// shutdown directly.
type Flag struct {
	mu      sync.RWMutex
	stopped bool
}

// New creates a fresh flag.
func New() *Flag {
	return &Flag{}
}

// Stop requests shutdown. Calling it more than once is harmless.
func (f *Flag) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

// Stopped reports whether shutdown has been requested.
func (f *Flag) Stopped() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.stopped
}

// NotifyOnSignals sets the flag when any of the given process signals
// arrives. It returns a function that detaches the handler.
func NotifyOnSignals(f *Flag, signals ...os.Signal) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, signals...)

	done := make(chan struct{})
	go func() {
		select {
		case <-ch:
			f.Stop()
		case <-done:
		}
	}()

	return func() {
		signal.Stop(ch)
		close(done)
	}
}
