package txn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrStaleClaim — guard-условие перехода не сошлось: захват job уже
// не принадлежит вызывающему (отмена, sweep или чужой захват успели
// раньше). Для executor это штатный no-op, а не сбой.
var ErrStaleClaim = errors.New("stale claim")

// Kind — класс транзакционной ошибки.
type Kind string

const (
	// KindConflict — проиграна гонка за строку: guard-условие отсекло
	// 0 строк, либо БД вернула serialization/lock-ошибку. Вызывающий
	// переходит к следующему кандидату, это не сбой.
	KindConflict Kind = "conflict"

	// KindConnectionLost — соединение с БД потеряно до подтверждения
	// commit. Исход транзакции неизвестен; перезапускать можно только
	// идемпотентные операции.
	KindConnectionLost Kind = "connection_lost"

	// KindConstraintViolation — нарушение ограничения целостности
	// (уникальность, FK, CHECK). Повтор бессмыслен.
	KindConstraintViolation Kind = "constraint_violation"
)

// TxError — классифицированная ошибка транзакции координатора.
type TxError struct {
	Kind  Kind
	Op    string
	cause error
}

func (e *TxError) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("txn %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("txn %s: %s: %v", e.Op, e.Kind, e.cause)
}

func (e *TxError) Unwrap() error { return e.cause }

// conflict создаёт TxError о проигранной гонке без низкоуровневой причины
// (guard-условие вернуло 0 строк).
func conflict(op string) *TxError {
	return &TxError{Kind: KindConflict, Op: op}
}

// IsConflict сообщает, является ли ошибка проигранной гонкой за строку.
func IsConflict(err error) bool {
	var txErr *TxError
	return errors.As(err, &txErr) && txErr.Kind == KindConflict
}

// IsConnectionLost сообщает, потеряно ли соединение с БД.
func IsConnectionLost(err error) bool {
	var txErr *TxError
	return errors.As(err, &txErr) && txErr.Kind == KindConnectionLost
}

// classify переводит ошибку драйвера в TxError.
//
// Коды SQLSTATE: класс 40 (serialization_failure, deadlock_detected)
// и 55P03 (lock_not_available) — гонки; класс 23 — ограничения
// целостности; класс 08 — потеря соединения. Нераспознанные ошибки
// возвращаются как есть, обёрнутые именем операции.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001" || pgErr.Code == "40P01" || pgErr.Code == "55P03":
			return &TxError{Kind: KindConflict, Op: op, cause: err}
		case strings.HasPrefix(pgErr.Code, "23"):
			return &TxError{Kind: KindConstraintViolation, Op: op, cause: err}
		case strings.HasPrefix(pgErr.Code, "08"):
			return &TxError{Kind: KindConnectionLost, Op: op, cause: err}
		}
		return fmt.Errorf("txn %s: %w", op, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(err.Error(), "conn closed") ||
		strings.Contains(err.Error(), "closed pool") {
		return &TxError{Kind: KindConnectionLost, Op: op, cause: err}
	}

	return fmt.Errorf("txn %s: %w", op, err)
}
