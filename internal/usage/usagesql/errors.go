package usagesql

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/openkcm/nightwatch/internal/serviceerr"
)

const (
	pgQueryCanceled        = "57014"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

func handlePgError(err error) (error, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err, false
	}

	switch pgErr.Code {
	case pgQueryCanceled, pgSerializationFailure, pgDeadlockDetected:
		return errors.Join(serviceerr.ErrTemporarilyUnavailable, err), true
	}

	return err, false
}
