package repo

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// nullString превращает пустую строку в NULL.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// isUniqueViolation проверяет, является ли ошибка нарушением
// уникального ограничения (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
