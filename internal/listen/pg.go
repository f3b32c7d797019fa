package listen

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/conveyor/internal/domain"
)

// PGListener слушает pg_notify на выделенном соединении из пула.
//
// Соединение удерживается до Close: LISTEN в Postgres привязан к
// сессии. После любой ошибки WaitForNotification соединение считается
// испорченным — слушатель возвращает ErrConnectionLost и подлежит
// пересозданию.
type PGListener struct {
	conn   *pgxpool.Conn
	logger *slog.Logger
}

// NewPGListener захватывает соединение и подписывается на канал событий.
func NewPGListener(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*PGListener, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}

	if _, err := conn.Exec(ctx, "LISTEN "+domain.ChangeChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", domain.ChangeChannel, err)
	}

	logger.Info("listening for change events", "channel", domain.ChangeChannel)

	return &PGListener{
		conn:   conn,
		logger: logger.With("component", "listen"),
	}, nil
}

// Receive блокируется до следующего уведомления.
//
// Уведомления с нечитаемым payload пропускаются: событие — лишь
// подсказка, авторитетное состояние всё равно перечитывается из БД.
func (l *PGListener) Receive(ctx context.Context) (*domain.ChangeEvent, error) {
	for {
		n, err := l.conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}

		ev, err := domain.ParseChangeEvent([]byte(n.Payload))
		if err != nil {
			l.logger.Warn("skipping malformed notification", "error", err)
			continue
		}
		return ev, nil
	}
}

// Close возвращает соединение в пул.
func (l *PGListener) Close() error {
	l.conn.Release()
	return nil
}
