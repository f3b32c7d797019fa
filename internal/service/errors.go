package service

import (
	"errors"

	"github.com/shaiso/conveyor/internal/repo"
	"github.com/shaiso/conveyor/internal/txn"
)

// ErrorKind — класс ошибки фасада.
type ErrorKind string

const (
	// KindSql — сбой хранилища (в т.ч. «не найдено»).
	KindSql ErrorKind = "sql"

	// KindTransaction — классифицированная транзакционная ошибка
	// (конфликт, потеря соединения, нарушение ограничения).
	KindTransaction ErrorKind = "transaction"

	// KindJob — доменная ошибка: невалидный workflow, недопустимая
	// операция над run в текущем статусе.
	KindJob ErrorKind = "job"

	// KindUnauthorized — у principal нет роли для операции.
	KindUnauthorized ErrorKind = "unauthorized"
)

// Error — ошибка фасада с безопасным для вызывающего сообщением.
//
// Message не содержит внутренних деталей (SQL, адресов, стеков);
// низкоуровневая причина сохраняется в cause для логов и errors.Is.
type Error struct {
	Kind    ErrorKind
	Message string
	cause   error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.cause }

// IsNotFound сообщает, является ли ошибка «не найдено».
func IsNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}

// IsUnauthorized сообщает, отказано ли в доступе.
func IsUnauthorized(err error) bool {
	var svcErr *Error
	return errors.As(err, &svcErr) && svcErr.Kind == KindUnauthorized
}

func unauthorized(action string) *Error {
	return &Error{
		Kind:    KindUnauthorized,
		Message: "not allowed to " + action,
	}
}

func notFound(what string, cause error) *Error {
	return &Error{Kind: KindSql, Message: what + " not found", cause: cause}
}

func domainErr(msg string, cause error) *Error {
	return &Error{Kind: KindJob, Message: msg, cause: cause}
}

// lift переводит ошибки нижних слоёв в Error, не раскрывая внутренностей.
func lift(err error) error {
	if err == nil {
		return nil
	}

	var svcErr *Error
	if errors.As(err, &svcErr) {
		return err
	}

	if errors.Is(err, repo.ErrNotFound) {
		return notFound("record", err)
	}

	var txErr *txn.TxError
	if errors.As(err, &txErr) {
		switch txErr.Kind {
		case txn.KindConflict:
			return &Error{
				Kind:    KindTransaction,
				Message: "operation lost a concurrent update, try again",
				cause:   err,
			}
		case txn.KindConnectionLost:
			return &Error{
				Kind:    KindTransaction,
				Message: "storage temporarily unavailable",
				cause:   err,
			}
		default:
			return &Error{
				Kind:    KindTransaction,
				Message: "operation rejected by storage constraints",
				cause:   err,
			}
		}
	}

	return &Error{Kind: KindSql, Message: "internal storage error", cause: err}
}
