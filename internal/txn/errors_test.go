package txn

import (
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestClassifyNil(t *testing.T) {
	if err := classify("claim", nil); err != nil {
		t.Errorf("classify(nil) = %v, хотим nil", err)
	}
}

func TestClassifyPgError(t *testing.T) {
	tests := []struct {
		code string
		want Kind
	}{
		{"40001", KindConflict},
		{"40P01", KindConflict},
		{"55P03", KindConflict},
		{"23505", KindConstraintViolation},
		{"23503", KindConstraintViolation},
		{"23514", KindConstraintViolation},
		{"08006", KindConnectionLost},
		{"08003", KindConnectionLost},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := classify("finish", &pgconn.PgError{Code: tt.code})

			var txErr *TxError
			if !errors.As(err, &txErr) {
				t.Fatalf("classify(%s) = %v, хотим *TxError", tt.code, err)
			}
			if txErr.Kind != tt.want {
				t.Errorf("classify(%s).Kind = %s, хотим %s", tt.code, txErr.Kind, tt.want)
			}
			if txErr.Op != "finish" {
				t.Errorf("Op = %s, хотим finish", txErr.Op)
			}
		})
	}
}

func TestClassifyUnknownPgError(t *testing.T) {
	cause := &pgconn.PgError{Code: "42601"} // syntax_error
	err := classify("promote", cause)

	var txErr *TxError
	if errors.As(err, &txErr) {
		t.Errorf("syntax error классифицировалась как %s, хотим обычную ошибку", txErr.Kind)
	}
	if !errors.Is(err, cause) {
		t.Error("нераспознанная ошибка должна оборачивать причину")
	}
}

func TestClassifyNetworkError(t *testing.T) {
	err := classify("claim", fmt.Errorf("exec: %w", net.ErrClosed))
	if !IsConnectionLost(err) {
		t.Errorf("закрытое соединение = %v, хотим KindConnectionLost", err)
	}
}

func TestClassifyConnClosedMessage(t *testing.T) {
	err := classify("start", errors.New("conn closed"))
	if !IsConnectionLost(err) {
		t.Errorf("classify(conn closed) = %v, хотим KindConnectionLost", err)
	}
}

func TestConflictHelpers(t *testing.T) {
	err := conflict("claim")
	if !IsConflict(err) {
		t.Error("IsConflict(conflict()) = false")
	}
	if IsConnectionLost(err) {
		t.Error("IsConnectionLost(conflict()) = true")
	}

	wrapped := fmt.Errorf("claim job: %w", err)
	if !IsConflict(wrapped) {
		t.Error("IsConflict не видит обёрнутый TxError")
	}
}

func TestStaleClaimIsNotConflict(t *testing.T) {
	if IsConflict(ErrStaleClaim) {
		t.Error("ErrStaleClaim не должен считаться Conflict")
	}
}
