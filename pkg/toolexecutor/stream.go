package toolexecutor

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/NForce-ai/SDRbot/pkg/crmerr"
)

// outcomeBacklog bounds how many assembled actions may wait for earlier
// outcomes to be delivered.
const outcomeBacklog = 64

// gate orders the approval phase of writes in one stream: a write waits for
// every earlier action to release before it asks for approval, and releases
// once it holds its place in the record queue or has resolved.
type gate struct {
	prev <-chan struct{}
	done chan struct{}
	once sync.Once
}

func newGate(prev <-chan struct{}) *gate {
	return &gate{prev: prev, done: make(chan struct{})}
}

func (g *gate) wait(ctx context.Context) error {
	if g == nil || g.prev == nil {
		return nil
	}
	select {
	case <-g.prev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gate) release() {
	if g == nil {
		return
	}
	g.once.Do(func() {
		if g.prev == nil {
			close(g.done)
			return
		}
		go func() {
			<-g.prev
			close(g.done)
		}()
	})
}

// Run consumes fragments until the channel closes or ctx ends and emits one
// outcome per assembled action, in assembly order. Reads execute as soon as
// they are assembled, even while an earlier write waits for approval.
func (e *Engine) Run(ctx context.Context, fragments <-chan Fragment) <-chan Outcome {
	out := make(chan Outcome)
	slots := make(chan chan Outcome, outcomeBacklog)

	go func() {
		defer close(slots)
		acc := NewAccumulator()
		var prev <-chan struct{}
		for {
			var (
				f  Fragment
				ok bool
			)
			select {
			case f, ok = <-fragments:
			case <-ctx.Done():
				return
			}
			if !ok {
				if n := acc.Pending(); n > 0 {
					log.Warn().Int("incomplete", n).Msg("Stream ended with incomplete actions")
				}
				return
			}

			action, complete, err := acc.Add(f)
			if !complete {
				if err != nil {
					log.Warn().Err(err).Msg("Dropping fragment")
				}
				continue
			}

			slot := make(chan Outcome, 1)
			select {
			case slots <- slot:
			case <-ctx.Done():
				return
			}
			if err != nil {
				slot <- e.Reject(action, crmerr.From("", err))
				continue
			}

			g := newGate(prev)
			prev = g.done
			// The slot is claimed here so the earliest delivery of an id
			// is the one that executes.
			r, fresh := e.claim(action.CorrelationID)
			if !fresh {
				g.release()
				go func() {
					slot <- e.replay(ctx, action, r)
				}()
				continue
			}
			go func() {
				slot <- e.resolve(ctx, action, g, r)
			}()
		}
	}()

	go func() {
		defer close(out)
		for slot := range slots {
			outcome := <-slot
			select {
			case out <- outcome:
			case <-ctx.Done():
				// Drain so submitters never block.
				for range slots {
				}
				return
			}
		}
	}()

	return out
}
