package domain

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ChangeOp — характер изменения, о котором уведомляет хранилище.
type ChangeOp string

const (
	// ChangeOpInsert — создана новая строка (run или job).
	ChangeOpInsert ChangeOp = "INSERT"

	// ChangeOpUpdate — строка изменилась (переход статуса).
	ChangeOpUpdate ChangeOp = "UPDATE"
)

// ChangeChannel — имя канала pg_notify / routing key для событий изменений.
const ChangeChannel = "conveyor_events"

// Имена таблиц в payload уведомления.
const (
	ChangeTableRuns = "runs"
	ChangeTableJobs = "jobs"
)

// ChangeEvent — уведомление об изменении run/job в хранилище.
//
// Событие эфемерно и не персистится: оркестратор трактует его как
// подсказку «пора пересканировать», а не как авторитетное состояние.
// Доставка at-least-once: дубликаты и пропуски допустимы — пропуски
// компенсирует периодический polling, дубликаты безвредны, потому что
// eligibility каждый раз выводится заново из БД.
type ChangeEvent struct {
	// Table — таблица, в которой произошло изменение.
	Table string `json:"table"`

	// Op — характер изменения.
	Op ChangeOp `json:"op"`

	// EntityID — идентификатор изменённой строки.
	EntityID uuid.UUID `json:"entity_id"`

	// RunID — идентификатор run (для jobs — родительский run,
	// для runs совпадает с EntityID).
	RunID uuid.UUID `json:"run_id"`
}

// Encode сериализует событие в JSON для pg_notify / AMQP.
func (e *ChangeEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// ParseChangeEvent разбирает payload уведомления.
func ParseChangeEvent(payload []byte) (*ChangeEvent, error) {
	var ev ChangeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("unmarshal change event: %w", err)
	}
	return &ev, nil
}
