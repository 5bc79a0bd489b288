package domain

import "time"

// BreachRecord - запись о последней зачистке, хранится для разбора после инцидента.
// Имена полей совпадают с тем, что читает SPA.
type BreachRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
	UserAgent string    `json:"userAgent"`
}

// WatchdogStatus - снимок состояния сторожа только для чтения.
type WatchdogStatus struct {
	Monitoring    bool          `json:"monitoring"`
	Violations    int           `json:"violations"`
	Threshold     int           `json:"threshold"`
	LastCheck     *time.Time    `json:"last_check,omitempty"`
	IntegrityHash string        `json:"integrity_hash,omitempty"`
	LastBreach    *BreachRecord `json:"last_breach,omitempty"`
	InGracePeriod bool          `json:"in_grace_period"`
	InCooldown    bool          `json:"in_cooldown"`
	Elapsed       time.Duration `json:"elapsed_ns"` // С момента Start
}
