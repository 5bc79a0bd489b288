// Package clock - подменяемый источник времени.
// В проде используется Real(), в тестах Fake() со строго детерминированным Advance.
package clock

import "time"

// Clock абстрагирует время и планировщик, чтобы жизненный цикл сторожа
// тестировался без реального ожидания.
type Clock interface {
	Now() time.Time

	// AfterFunc вызывает f один раз через d.
	AfterFunc(d time.Duration, f func()) *Timer

	// TickFunc вызывает f каждые d, пока Ticker не остановлен. Паникует при d <= 0.
	TickFunc(d time.Duration, f func()) *Ticker
}

// Timer - отменяемый отложенный вызов.
type Timer struct {
	stopFunc func() bool
}

// Stop отменяет вызов. Возвращает false, если вызов уже состоялся или был отменен.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Ticker - отменяемый периодический вызов.
type Ticker struct {
	stopFunc func()
}

// Stop прекращает дальнейшие вызовы. Безопасно вызывать изнутри самого колбэка.
func (t *Ticker) Stop() { t.stopFunc() }
