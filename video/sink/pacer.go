package sink

import (
	"context"
	"time"
)

// Pacer spaces out events to a target rate. Each Wait sleeps whatever is
// left of the frame interval since the previous Wait returned; a caller which
// is already late does not sleep at all.
type Pacer struct {
	frameDur time.Duration
	last     time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewPacer(fps int) *Pacer {
	if fps < 1 {
		fps = 1
	}
	return &Pacer{
		frameDur: time.Second / time.Duration(fps),
		now:      time.Now,
		sleep:    sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Wait blocks until the next event is due. It returns early with an error
// if ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	if !p.last.IsZero() {
		if remaining := p.frameDur - p.now().Sub(p.last); remaining > 0 {
			if err := p.sleep(ctx, remaining); err != nil {
				return err
			}
		}
	}
	p.last = p.now()
	return ctx.Err()
}

// Reset forgets the previous event so the next Wait returns immediately.
func (p *Pacer) Reset() {
	p.last = time.Time{}
}
