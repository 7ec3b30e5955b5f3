package repository

import (
	"errors"

	"github.com/lib/pq"
)

// ErrDuplicate marks a storage-level unique-constraint violation. The check
// happens at the constraint, not only in application pre-checks, so two
// concurrent writers cannot both slip through the race window.
var ErrDuplicate = errors.New("duplicate key")

const pqUniqueViolation = "23505"

func mapUniqueViolation(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
		return ErrDuplicate
	}
	return err
}
