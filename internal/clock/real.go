package clock

import (
	"sync"
	"time"
)

// Real возвращает Clock на базе пакета time.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stopFunc: t.Stop}
}

func (realClock) TickFunc(d time.Duration, f func()) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for TickFunc")
	}

	ticker := time.NewTicker(d)
	done := make(chan struct{})
	var once sync.Once

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				// Stop мог прийти одновременно с тиком
				select {
				case <-done:
					return
				default:
				}
				f()
			}
		}
	}()

	// Не ждем завершения горутины: Stop зовут и из самого f
	return &Ticker{stopFunc: func() { once.Do(func() { close(done) }) }}
}
