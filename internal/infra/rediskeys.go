package infra

import (
	"fmt"

	"github.com/xela07ax/rooms-watchdog/internal/domain"
)

const (
	// RedisNamespace Базовый префикс для изоляции данных приложения в Redis
	RedisNamespace = "rooms"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanNotices - уведомления пользователю (alert/redirect) после зачистки.
	RedisChanNotices = RedisNamespace + ":watchdog:notices"
	// RedisChanExpected - штатные записи приложения, объявленные заранее (typed expected mutation).
	RedisChanExpected = RedisNamespace + ":watchdog:expected"
)

// RedisAreaKey ключ хэша с данными области: rooms:store:local
func RedisAreaKey(area domain.Area) string {
	return fmt.Sprintf("%s:store:%s", RedisNamespace, area)
}

// RedisAreaChannel канал изменений области: rooms:store:local:changes
func RedisAreaChannel(area domain.Area) string {
	return fmt.Sprintf("%s:store:%s:changes", RedisNamespace, area)
}
