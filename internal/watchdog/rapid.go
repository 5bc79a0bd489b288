package watchdog

import "time"

// rapidDetector считает внешние уведомления в окне фиксированной длины.
// Окно открывается первым уведомлением и сбрасывается по истечении или после срабатывания.
type rapidDetector struct {
	windowStart time.Time
	count       int
}

// observe учитывает одно уведомление. tripped=true, если в окне набралось threshold уведомлений;
// n - сколько их было.
func (d *rapidDetector) observe(now time.Time, window time.Duration, threshold int) (n int, tripped bool) {
	if d.count == 0 || now.Sub(d.windowStart) >= window {
		d.windowStart = now
		d.count = 0
	}
	d.count++

	if d.count >= threshold {
		n = d.count
		d.count = 0
		return n, true
	}
	return d.count, false
}
