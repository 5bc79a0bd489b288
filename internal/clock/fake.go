package clock

import (
	"sync"
	"time"
)

// FakeClock - детерминированные часы для тестов. Время стоит, пока не вызван Advance.
// Колбэки AfterFunc и TickFunc выполняются синхронно внутри Advance в порядке дедлайнов.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	callback func()
	interval time.Duration // != 0 только для тикеров
	stopped  bool
	fired    bool
}

// Fake создает часы, стоящие на initial.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	w := &fakeWaiter{deadline: c.current.Add(d), callback: f}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	return &Timer{stopFunc: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if w.stopped || w.fired {
			return false
		}
		w.stopped = true
		return true
	}}
}

func (c *FakeClock) TickFunc(d time.Duration, f func()) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for TickFunc")
	}

	c.mu.Lock()
	w := &fakeWaiter{deadline: c.current.Add(d), callback: f, interval: d}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	return &Ticker{stopFunc: func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		w.stopped = true
	}}
}

// Advance сдвигает время на d и синхронно вызывает все наступившие колбэки.
// Нельзя звать Advance изнутри колбэка - будет рекурсия по времени.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)

	for {
		next := c.nextDueLocked(target)
		if next == nil {
			break
		}

		c.current = next.deadline
		if next.interval > 0 {
			next.deadline = next.deadline.Add(next.interval)
		} else {
			next.fired = true
		}

		// Колбэк может дергать Now() и Stop(), поэтому отпускаем мьютекс
		c.mu.Unlock()
		next.callback()
		c.mu.Lock()
	}

	c.current = target
	c.compactLocked()
	c.mu.Unlock()
}

// Pending возвращает количество активных таймеров и тикеров.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, w := range c.waiters {
		if !w.stopped && !w.fired {
			n++
		}
	}
	return n
}

func (c *FakeClock) nextDueLocked(target time.Time) *fakeWaiter {
	var best *fakeWaiter
	for _, w := range c.waiters {
		if w.stopped || w.fired || w.deadline.After(target) {
			continue
		}
		if best == nil || w.deadline.Before(best.deadline) {
			best = w
		}
	}
	return best
}

func (c *FakeClock) compactLocked() {
	alive := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.stopped && !w.fired {
			alive = append(alive, w)
		}
	}
	c.waiters = alive
}
