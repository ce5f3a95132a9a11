package errors

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestMapDBError_NilError(t *testing.T) {
	if err := MapDBError(nil); err != nil {
		t.Errorf("MapDBError(nil) = %v, want nil", err)
	}
}

func TestMapDBError_ContextErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode ErrorCode
	}{
		{
			name:     "deadline exceeded",
			err:      context.DeadlineExceeded,
			wantCode: ErrCodeTimeout,
		},
		{
			name:     "canceled",
			err:      context.Canceled,
			wantCode: ErrCodeCanceled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := MapDBError(tt.err)
			if GetCode(err) != tt.wantCode {
				t.Errorf("MapDBError() code = %v, want %v", GetCode(err), tt.wantCode)
			}
		})
	}
}

func TestMapDBError_NoRows(t *testing.T) {
	err := MapDBError(pgx.ErrNoRows)
	if !IsNotFound(err) {
		t.Errorf("MapDBError(pgx.ErrNoRows) should be NotFound, got %v", GetCode(err))
	}
}

func TestMapDBError_UniqueViolation(t *testing.T) {
	tests := []struct {
		name      string
		pgErr     *pgconn.PgError
		wantField string
	}{
		{
			name: "with column name",
			pgErr: &pgconn.PgError{
				Code:       pgerrcode.UniqueViolation,
				ColumnName: "idempotency_key",
			},
			wantField: "idempotency_key",
		},
		{
			name: "multi-column key from detail",
			pgErr: &pgconn.PgError{
				Code:           pgerrcode.UniqueViolation,
				ConstraintName: "jobs_tenant_operation_idempotency_key_key",
				Detail:         `Key (tenant, operation, idempotency_key)=(acme, punch_capture, abc) already exists.`,
			},
			wantField: "tenant, operation, idempotency_key",
		},
		{
			name: "no metadata at all",
			pgErr: &pgconn.PgError{
				Code: pgerrcode.UniqueViolation,
			},
			wantField: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := MapDBError(tt.pgErr)
			if !IsConflict(err) {
				t.Fatalf("MapDBError() code = %v, want conflict", GetCode(err))
			}
			if got := GetField(err); got != tt.wantField {
				t.Errorf("MapDBError() field = %q, want %q", got, tt.wantField)
			}
		})
	}
}

func TestMapDBError_ForeignKeyViolation(t *testing.T) {
	err := MapDBError(&pgconn.PgError{
		Code:           pgerrcode.ForeignKeyViolation,
		ConstraintName: "job_chunks_job_id_fkey",
	})
	if !IsValidation(err) {
		t.Errorf("MapDBError(fk violation) code = %v, want validation", GetCode(err))
	}
}

func TestMapDBError_CheckAndNotNull(t *testing.T) {
	for _, code := range []string{pgerrcode.CheckViolation, pgerrcode.NotNullViolation} {
		err := MapDBError(&pgconn.PgError{Code: code, ColumnName: "status"})
		if !IsValidation(err) {
			t.Errorf("MapDBError(%s) code = %v, want validation", code, GetCode(err))
		}
		if GetField(err) != "status" {
			t.Errorf("MapDBError(%s) field = %q, want status", code, GetField(err))
		}
	}
}

func TestMapDBError_UnknownPgError(t *testing.T) {
	err := MapDBError(&pgconn.PgError{Code: pgerrcode.SerializationFailure})
	if !IsInternal(err) {
		t.Errorf("MapDBError(unknown pg error) code = %v, want internal", GetCode(err))
	}
}

func TestMapDBError_Passthrough(t *testing.T) {
	plain := errors.New("not a database error")
	if got := MapDBError(plain); !errors.Is(got, plain) {
		t.Errorf("MapDBError(plain) = %v, want original error", got)
	}
}
