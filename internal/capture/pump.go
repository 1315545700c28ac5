package capture

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/echotools/uospy/internal/debugger"
)

// ErrDrainTimeout is returned by Pump.Run when the consumer is still busy
// with queued captures after the session ended.
var ErrDrainTimeout = errors.New("captures not drained in time")

// Session is the part of a debugger.Session the pump drives.
type Session interface {
	Attach(h debugger.Handler) error
	Stop(ctx context.Context) error
	Done() <-chan struct{}
}

// Pump feeds the captures a Strategy emits to a consumer on one goroutine,
// preserving hit order.
type Pump struct {
	// Captures is the channel the Strategy was built with. Run closes it
	// once the debug loop has exited.
	Captures chan RawCapture
	Consume  func(RawCapture)

	// StopTimeout bounds the wait for teardown after ctx ends, and then
	// separately the wait for the consumer to finish the queued captures.
	StopTimeout time.Duration
}

// Run attaches h to sess and consumes captures until the process exits or
// ctx ends. It returns the number of captures consumed. Run never waits
// longer than StopTimeout for a session or consumer that does not finish;
// in that case Captures is left open and the consumer goroutine keeps
// running.
func (p *Pump) Run(ctx context.Context, sess Session, h debugger.Handler) (int, error) {
	var count atomic.Int64
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for c := range p.Captures {
			p.Consume(c)
			count.Add(1)
		}
	}()

	if err := sess.Attach(h); err != nil {
		close(p.Captures)
		<-drained
		return 0, err
	}

	select {
	case <-sess.Done():
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), p.StopTimeout)
		defer cancel()
		if err := sess.Stop(stopCtx); err != nil {
			return int(count.Load()), fmt.Errorf("debugger did not stop within %s: %w", p.StopTimeout, err)
		}
	}

	// The debug loop has exited, so nothing sends on Captures any more.
	close(p.Captures)
	select {
	case <-drained:
		return int(count.Load()), nil
	case <-ctx.Done():
	}

	timer := time.NewTimer(p.StopTimeout)
	defer timer.Stop()
	select {
	case <-drained:
		return int(count.Load()), nil
	case <-timer.C:
		return int(count.Load()), fmt.Errorf("%w: %d consumed, waited %s", ErrDrainTimeout, count.Load(), p.StopTimeout)
	}
}
