package repository

import (
	"errors"

	"github.com/jackc/pgx/v5"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a row changed since it was read.
	ErrConflict = errors.New("concurrent modification")
)

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
