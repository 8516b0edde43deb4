package lifecycle

import (
	"context"
	"errors"
	"time"
)

var ErrSweeperAlreadyStarted = errors.New("sweeper already started")

// Sweep reclaims every registered channel older than the max channel age.
// A failure on one channel is logged and does not stop the pass.
func (c *Controller) Sweep(ctx context.Context) SweepReport {
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()
	now := c.now()

	var report SweepReport
	for _, rec := range c.registry.Snapshot() {
		if ctx.Err() != nil {
			break
		}
		report.Scanned++
		if rec.Age(now) <= c.settings.MaxChannelAge {
			continue
		}
		report.Expired++

		outcome, err := c.reclaim(ctx, rec, PathSweep)
		if err != nil {
			c.logger.Printf("sweep failed channel_id=%s err=%v", rec.ChannelID, err)
		}
		report.count(outcome)
	}

	c.currentObserver().SweepCompleted(report, time.Since(started))
	c.logger.Printf("sweep finished scanned=%d expired=%d deleted=%d gone=%d occupied=%d failed=%d",
		report.Scanned, report.Expired, report.Deleted, report.Gone, report.Occupied, report.Failed)
	return report
}

// StartSweeper runs Sweep every sweep interval until ctx is done or
// StopSweeper is called. connected is consulted before each pass; a pass is
// skipped while it reports false.
func (c *Controller) StartSweeper(ctx context.Context, connected func() bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if connected == nil {
		connected = func() bool { return true }
	}

	c.sweepMu.Lock()
	if c.sweepRunning {
		c.sweepMu.Unlock()
		return ErrSweeperAlreadyStarted
	}
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	ticker := c.tickerFactory(c.settings.SweepInterval)
	c.sweepRunning = true
	c.sweepStopCh = stopCh
	c.sweepDoneCh = doneCh
	c.sweepMu.Unlock()

	c.logger.Printf("sweeper started interval=%s max_age=%s", c.settings.SweepInterval, c.settings.MaxChannelAge)
	go c.runSweeper(ctx, ticker, connected, stopCh, doneCh)
	return nil
}

func (c *Controller) StopSweeper() {
	c.sweepMu.Lock()
	if !c.sweepRunning {
		c.sweepMu.Unlock()
		return
	}
	stopCh := c.sweepStopCh
	doneCh := c.sweepDoneCh
	c.sweepRunning = false
	c.sweepStopCh = nil
	c.sweepDoneCh = nil
	c.sweepMu.Unlock()

	close(stopCh)
	<-doneCh
}

func (c *Controller) runSweeper(ctx context.Context, ticker sweepTicker, connected func() bool, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.Chan():
			if !connected() {
				c.logger.Printf("sweep skipped: session not connected")
				continue
			}
			c.Sweep(ctx)
		}
	}
}

type sweepTicker interface {
	Chan() <-chan time.Time
	Stop()
}

type realTicker struct {
	ticker *time.Ticker
}

func newRealTicker(interval time.Duration) *realTicker {
	return &realTicker{ticker: time.NewTicker(interval)}
}

func (t *realTicker) Chan() <-chan time.Time {
	return t.ticker.C
}

func (t *realTicker) Stop() {
	t.ticker.Stop()
}
