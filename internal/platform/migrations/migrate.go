// Package migrations applies the embedded SQL schema with golang-migrate.
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed sql/*.sql
var files embed.FS

// Up applies all pending migrations. Services call it on boot; the pgx
// driver takes an advisory lock so concurrent boots are safe.
func Up(pgURL string, log *slog.Logger) error {
	src, err := iofs.New(files, "sql")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, DriverURL(pgURL))
	if err != nil {
		return fmt.Errorf("init migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info("schema up to date")
			return nil
		}
		return fmt.Errorf("apply migrations: %w", err)
	}
	version, dirty, _ := m.Version()
	log.Info("schema migrated", "version", version, "dirty", dirty)
	return nil
}

// DriverURL rewrites a postgres:// URL to the pgx5:// scheme the migrate
// driver registers under.
func DriverURL(pgURL string) string {
	for _, prefix := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(pgURL, prefix) {
			return "pgx5://" + strings.TrimPrefix(pgURL, prefix)
		}
	}
	return pgURL
}
