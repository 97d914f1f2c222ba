package cloud

import (
	"context"
	"fmt"
	"time"
)

// task is one unit of work for the worker.
type task struct {
	name string
	// ctx is the caller's context. Nil means the client's.
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// submit queues t without blocking.
func (c *Client) submit(t task) error {
	if !c.running.Load() {
		return ErrNotInitialized
	}
	select {
	case c.queue <- t:
		return nil
	default:
		return fmt.Errorf("cloud: %s: worker queue full", t.name)
	}
}

// do runs fn on the worker and waits for it, or for ctx.
func (c *Client) do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if !c.running.Load() {
		return ErrNotInitialized
	}
	t := task{name: name, ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case c.queue <- t:
	case <-ctx.Done():
		return fmt.Errorf("cloud: %s: %w", name, ctx.Err())
	case <-c.ctx.Done():
		return ErrNotInitialized
	}
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("cloud: %s: %w", name, ctx.Err())
	}
}

func (c *Client) work() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case t := <-c.queue:
			c.run(t)
		}
	}
}

func (c *Client) run(t task) {
	ctx := c.ctx
	if t.ctx != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(t.ctx)
		stop := context.AfterFunc(c.ctx, cancel)
		defer func() {
			stop()
			cancel()
		}()
	}

	err := ctx.Err()
	if err == nil {
		c.log().Debug("task started", map[string]any{"task": t.name})
		err = t.fn(ctx)
	}
	if err != nil {
		c.log().Warn("task failed", map[string]any{"task": t.name, "error": err.Error()})
	}
	c.record()
	if t.done != nil {
		t.done <- err
	}
}

// record appends the current metrics to the journal.
func (c *Client) record() {
	if c.opts.Journal == nil || c.ctx.Err() != nil {
		return
	}
	if err := c.opts.Journal.Append(c.ctx, c.metrics.Snapshot()); err != nil {
		c.log().Warn("metrics journal append failed", map[string]any{"error": err.Error()})
	}
}

// PollImmediately queues a downlink check. A check already queued is not
// duplicated.
func (c *Client) PollImmediately() error {
	if !c.running.Load() {
		return ErrNotInitialized
	}
	c.schedulePoll()
	return nil
}

// Poll checks for downlink messages and waits for the exchange, including
// the follow-up exchanges it triggers inline.
func (c *Client) Poll(ctx context.Context) error {
	return c.do(ctx, "poll", func(ctx context.Context) error {
		return c.transact(ctx, nil)
	})
}

func (c *Client) schedulePoll() {
	if !c.pollQueued.CompareAndSwap(false, true) {
		return
	}
	if err := c.submit(task{name: "poll", fn: c.poll}); err != nil {
		c.pollQueued.Store(false)
		c.log().Warn("poll not scheduled", map[string]any{"error": err.Error()})
	}
}

func (c *Client) poll(ctx context.Context) error {
	c.pollQueued.Store(false)
	if err := c.transact(ctx, nil); err != nil {
		c.retryPollAfter(c.opts.PollRetryDelay)
		return err
	}
	return nil
}

// retryPollAfter schedules one poll after d, replacing a pending retry.
func (c *Client) retryPollAfter(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.retryTimer != nil {
		c.retryTimer.Stop()
	}
	c.retryTimer = time.AfterFunc(d, c.schedulePoll)
}

// SetPollInterval changes the periodic poll period. Zero stops the timer.
// Before initialization the value is kept until the timer starts.
func (c *Client) SetPollInterval(d time.Duration) {
	if d < 0 {
		d = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pollInterval = d
	select {
	case <-c.intervals:
	default:
	}
	c.intervals <- d
}

func (c *Client) currentPollInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pollInterval
}

func (c *Client) pollLoop() {
	defer c.wg.Done()
	select {
	case <-c.initialized:
	case <-c.ctx.Done():
		return
	}

	var ticker *time.Ticker
	var tick <-chan time.Time
	reset := func(d time.Duration) {
		if ticker != nil {
			ticker.Stop()
			ticker, tick = nil, nil
		}
		if d > 0 {
			ticker = time.NewTicker(d)
			tick = ticker.C
		}
	}
	defer reset(0)
	reset(c.currentPollInterval())

	for {
		select {
		case <-c.ctx.Done():
			return
		case d := <-c.intervals:
			reset(d)
		case <-tick:
			c.schedulePoll()
		}
	}
}
