package watchdog

import (
	"time"

	"github.com/xela07ax/rooms-watchdog/internal/infra"
)

// Keys - служебные ключи сторожа в том же хранилище, что и данные приложения.
type Keys struct {
	Integrity  string // Эталонный снимок целостности
	LastCheck  string // Время последней проверки, unix ms
	Violations string // Счетчик нарушений
	LastWipe   string // Время последней зачистки, unix ms (cooldown)
	Breach     string // Запись о последней зачистке
}

func (k Keys) all() []string {
	return []string{k.Integrity, k.LastCheck, k.Violations, k.LastWipe, k.Breach}
}

type Config struct {
	CheckInterval      time.Duration
	ViolationThreshold int
	GracePeriod        time.Duration
	WipeCooldown       time.Duration
	MinCheckSpacing    time.Duration

	RapidChangeWindow    time.Duration
	RapidChangeThreshold int

	// Нарушение фиксируется, если отсутствует больше слотов, чем MissingSlotTolerance
	MissingSlotTolerance int

	WatchedKeys []string
	AccountsKey string
	OwnerID     string // Ключ записи владельца внутри accounts; пусто - сохранять нечего

	RedirectTarget string
	ClientID       string
	Keys           Keys
}

func DefaultConfig() Config {
	return Config{
		CheckInterval:        5 * time.Second,
		ViolationThreshold:   3,
		GracePeriod:          30 * time.Second,
		WipeCooldown:         60 * time.Second,
		MinCheckSpacing:      3 * time.Second,
		RapidChangeWindow:    5 * time.Second,
		RapidChangeThreshold: 50,
		MissingSlotTolerance: 2,
		WatchedKeys:          []string{"accounts", "rooms", "settings"},
		AccountsKey:          "accounts",
		RedirectTarget:       "loginnsignup.html",
		ClientID:             "rooms-watchdog",
		Keys: Keys{
			Integrity:  "app_integrity_hash",
			LastCheck:  "last_security_check",
			Violations: "security_violations",
			LastWipe:   "security_last_wipe",
			Breach:     "last_breach",
		},
	}
}

// ConfigFromInfra переносит значения из viper-конфига поверх дефолтов.
func ConfigFromInfra(c infra.WatchdogConfig) Config {
	cfg := DefaultConfig()
	cfg.CheckInterval = c.CheckInterval
	cfg.ViolationThreshold = c.ViolationThreshold
	cfg.GracePeriod = c.GracePeriod
	cfg.WipeCooldown = c.WipeCooldown
	cfg.MinCheckSpacing = c.MinCheckSpacing
	cfg.RapidChangeWindow = c.RapidChangeWindow
	cfg.RapidChangeThreshold = c.RapidChangeThreshold
	cfg.MissingSlotTolerance = c.MissingSlotTolerance
	cfg.WatchedKeys = append([]string(nil), c.WatchedKeys...)
	cfg.AccountsKey = c.AccountsKey
	cfg.OwnerID = c.OwnerID
	cfg.RedirectTarget = c.RedirectTarget
	cfg.ClientID = c.ClientID
	return cfg.withDefaults()
}

// withDefaults подставляет дефолт вместо нулевых значений.
// MissingSlotTolerance и GracePeriod со значением 0 допустимы и остаются как есть.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CheckInterval <= 0 {
		c.CheckInterval = d.CheckInterval
	}
	if c.ViolationThreshold < 1 {
		c.ViolationThreshold = d.ViolationThreshold
	}
	if c.RapidChangeWindow <= 0 {
		c.RapidChangeWindow = d.RapidChangeWindow
	}
	if c.RapidChangeThreshold < 1 {
		c.RapidChangeThreshold = d.RapidChangeThreshold
	}
	if len(c.WatchedKeys) == 0 {
		c.WatchedKeys = d.WatchedKeys
	}
	if c.AccountsKey == "" {
		c.AccountsKey = d.AccountsKey
	}
	if c.RedirectTarget == "" {
		c.RedirectTarget = d.RedirectTarget
	}
	if c.Keys == (Keys{}) {
		c.Keys = d.Keys
	}
	return c
}
