// Package notify доставляет пользователю видимые эффекты сторожа: подтверждение
// ручной зачистки, уведомление после нее и уход на страницу входа.
package notify

import (
	"context"
	"time"
)

type NoticeKind string

const (
	NoticeAlert    NoticeKind = "alert"
	NoticeRedirect NoticeKind = "redirect"
)

// Notice - сообщение для клиента (SPA слушает канал и показывает alert / делает redirect).
type Notice struct {
	Kind     NoticeKind `json:"kind"`
	Message  string     `json:"message,omitempty"`
	Target   string     `json:"target,omitempty"`
	ClientID string     `json:"client_id,omitempty"`
	At       time.Time  `json:"at"`
}

type confirmKey struct{}

// WithConfirmation кладет в контекст ответ пользователя на запрос подтверждения.
// На сервере спросить некого: ответ приходит вместе с запросом (поле confirm).
func WithConfirmation(ctx context.Context, confirmed bool) context.Context {
	return context.WithValue(ctx, confirmKey{}, confirmed)
}

// Confirmed - ответ из контекста; без явного согласия считается отказом.
func Confirmed(ctx context.Context) bool {
	v, _ := ctx.Value(confirmKey{}).(bool)
	return v
}
