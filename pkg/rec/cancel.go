package rec

import (
	"context"
	"errors"
	"sync"
	"time"
)

// remoteKillGrace is how long a cancelled Exec waits after SIGTERM
// before the stream is torn down outright.
const remoteKillGrace = 2 * time.Second

// IsCancelled reports whether err represents caller cancellation,
// distinct from Timeout and Transport.
func IsCancelled(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var recErr *Error
	if errors.As(err, &recErr) {
		return recErr.Kind == KindCancelled
	}
	return false
}

// disposeToken is a one-shot cancellation signal a Runtime threads
// through every in-flight operation; closing it surfaces a
// deterministic Cancelled error to every operation still running.
type disposeToken struct {
	ch   chan struct{}
	once sync.Once
}

func newDisposeToken() *disposeToken {
	return &disposeToken{ch: make(chan struct{})}
}

// fire closes the signal exactly once.
func (t *disposeToken) fire() {
	t.once.Do(func() { close(t.ch) })
}

func (t *disposeToken) C() <-chan struct{} {
	return t.ch
}
