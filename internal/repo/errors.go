package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/shaiso/conveyor/internal/store"
)

// isDuplicateKey проверяет unique_violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// mapError переводит ошибку pgx в ошибки хранилища.
// Ошибки, не пришедшие от сервера (сеть, пул), считаются недоступностью.
func mapError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s %s: %w", op, path, err)
	}
	if isDuplicateKey(err) {
		return fmt.Errorf("%s %s: %w", op, path, store.ErrAlreadyExists)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s %s: %w", op, path, err)
	}
	return fmt.Errorf("%s %s: %w: %v", op, path, store.ErrUnavailable, err)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// likePrefix возвращает LIKE-шаблон для путей под prefix.
func likePrefix(prefix string) string {
	return likeEscaper.Replace(prefix) + "%"
}
