package db

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rcm/rcm/internal/platform/apperror"
)

const uniqueViolation = "23505"

// WrapError converts a pgx error into an apperror.DatabaseError, flagging
// unique violations as duplicates. Nil stays nil.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *apperror.DatabaseError
	if errors.As(err, &de) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return &apperror.DatabaseError{Op: op, Duplicate: true, Err: err}
	}
	return &apperror.DatabaseError{Op: op, Err: err}
}
