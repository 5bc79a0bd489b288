package domain

// Area - область хранилища, аналог localStorage / sessionStorage.
type Area string

const (
	AreaLocal   Area = "local"   // Долгоживущее хранилище
	AreaSession Area = "session" // Хранилище текущей сессии
)

// StorageEvent - уведомление "хранилище изменено извне" (другая вкладка, другой процесс).
type StorageEvent struct {
	Area   Area   `json:"area"`
	Key    string `json:"key,omitempty"` // Пусто, если бэкенд не знает, какой ключ поменялся
	Origin string `json:"origin"`        // ID контекста-писателя

	// Sanctioned выставляет штатный путь записи приложения.
	// Такое изменение не нарушение: сторож просто переснимает эталон.
	Sanctioned bool `json:"sanctioned,omitempty"`
}
