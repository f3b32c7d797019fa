package listen

import (
	"context"
	"errors"

	"github.com/shaiso/conveyor/internal/domain"
)

// ErrConnectionLost — соединение с источником событий потеряно и
// слушатель больше не пригоден. Вызывающий строит новый слушатель;
// пропущенные за время разрыва события компенсирует polling.
var ErrConnectionLost = errors.New("listener connection lost")

// Listener — источник событий об изменениях runs и jobs.
//
// Receive блокируется до следующего события, отмены контекста или
// потери соединения. Доставка at-least-once: дубликаты допустимы.
type Listener interface {
	Receive(ctx context.Context) (*domain.ChangeEvent, error)
	Close() error
}
