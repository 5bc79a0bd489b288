// Package integrity считает снимок целостности над отслеживаемыми слотами хранилища.
package integrity

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"
)

// Slot - содержимое одного отслеживаемого ключа. Значение непрозрачно для сторожа.
type Slot struct {
	Key     string `json:"k"`
	Value   string `json:"v"`
	Present bool   `json:"p"` // Отсутствующий слот и пустая строка - разные состояния
}

// Snapshot сериализует слоты в каноничный JSON-массив с сохранением порядка
// и возвращает hex(BLAKE3-256) от него.
func Snapshot(slots []Slot) (string, error) {
	if slots == nil {
		slots = []Slot{}
	}
	data, err := json.Marshal(slots)
	if err != nil {
		return "", fmt.Errorf("integrity: serialize slots: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
