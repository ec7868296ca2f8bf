package event

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDuplicateKey signals the idempotency insert hit an existing key.
var ErrDuplicateKey = errors.New("event: duplicate idempotency key")

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
