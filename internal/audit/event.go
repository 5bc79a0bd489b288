package audit

import "time"

// Kind - тип события журнала сторожа.
type Kind string

const (
	KindViolation      Kind = "violation"
	KindWipe           Kind = "wipe"
	KindWipeSuppressed Kind = "wipe_suppressed"
	KindWipeFallback   Kind = "wipe_fallback"
	KindReset          Kind = "reset"
)

type Event struct {
	ID        string    `json:"id"`        // UUID события
	Kind      Kind      `json:"kind"`      // Что произошло
	Detail    string    `json:"detail"`    // Вид нарушения или причина зачистки
	Count     int       `json:"count"`     // Счетчик нарушений на момент события
	ClientID  string    `json:"client_id"` // Идентификатор клиента (userAgent)
	Timestamp time.Time `json:"timestamp"`
}
