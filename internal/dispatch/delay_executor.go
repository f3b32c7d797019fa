package dispatch

import (
	"context"
	"time"

	"github.com/shaiso/conveyor/internal/domain"
)

// DelayExecutor — executor для job типа "delay".
//
// Ожидает указанное количество секунд. Поддерживает отмену через context.
//
// Config (из job.Params):
//   - duration_sec (number): длительность задержки в секундах (default: 1)
type DelayExecutor struct{}

// Execute выполняет задержку.
func (e *DelayExecutor) Execute(ctx context.Context, job *domain.Job) (*ExecutionResult, error) {
	durationSec := 1.0
	if val, ok := job.Params["duration_sec"]; ok {
		switch v := val.(type) {
		case float64:
			durationSec = v
		case int:
			durationSec = float64(v)
		}
	}
	if durationSec <= 0 {
		durationSec = 1
	}

	select {
	case <-time.After(time.Duration(durationSec * float64(time.Second))):
		return &ExecutionResult{
			Outputs: map[string]any{"delayed_sec": durationSec},
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// NoopExecutor — executor для job типа "noop".
//
// Мгновенно завершается успехом. Используется для синхронизирующих
// узлов графа (fan-in) и в тестах.
type NoopExecutor struct{}

// Execute ничего не делает.
func (e *NoopExecutor) Execute(ctx context.Context, job *domain.Job) (*ExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &ExecutionResult{}, nil
}
