// Package offertest holds fakes shared by the offer package tests.
package offertest

import (
	"sync"
	"time"

	"github.com/example/hotride/internal/offer/domain"
)

// Clock is a manually advanced domain.Clock. Advance delivers every tick that
// falls inside the advanced window, in time order, and blocks until the
// receiver has taken each one.
type Clock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*Ticker
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) NewTicker(d time.Duration) domain.Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &Ticker{clock: c, period: d, next: c.now.Add(d), ch: make(chan time.Time), stop: make(chan struct{})}
	c.tickers = append(c.tickers, t)
	return t
}

// Tickers reports how many tickers are currently running.
func (c *Clock) Tickers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.tickers {
		if !t.stopped {
			n++
		}
	}
	return n
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var due *Ticker
		for _, t := range c.tickers {
			if t.stopped || t.next.After(target) {
				continue
			}
			if due == nil || t.next.Before(due.next) {
				due = t
			}
		}
		if due == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		c.now = due.next
		at := due.next
		due.next = due.next.Add(due.period)
		c.mu.Unlock()

		select {
		case due.ch <- at:
		case <-due.stop:
		}
	}
}

type Ticker struct {
	clock   *Clock
	period  time.Duration
	next    time.Time
	ch      chan time.Time
	stop    chan struct{}
	once    sync.Once
	stopped bool
}

func (t *Ticker) C() <-chan time.Time { return t.ch }

func (t *Ticker) Stop() {
	t.clock.mu.Lock()
	t.stopped = true
	t.clock.mu.Unlock()
	t.once.Do(func() { close(t.stop) })
}
