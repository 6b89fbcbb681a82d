package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const lookupSQL = `
SELECT sprite_name, COALESCE(target_host, ''), COALESCE(target_port, 0)
FROM users
WHERE id = $1 AND sprite_name IS NOT NULL
`

// Querier is the subset of pgxpool.Pool the directory needs.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres reads the user to sprite mapping from the users table.
type Postgres struct {
	db          Querier
	defaultHost string
	defaultPort int
}

// NewPostgres creates a directory over db.
func NewPostgres(db Querier, defaultHost string, defaultPort int) *Postgres {
	return &Postgres{
		db:          db,
		defaultHost: defaultHost,
		defaultPort: defaultPort,
	}
}

// Lookup returns the sprite for userID.
func (p *Postgres) Lookup(ctx context.Context, userID string) (Sprite, error) {
	sp := Sprite{UserID: userID}

	err := p.db.QueryRow(ctx, lookupSQL, userID).Scan(&sp.Name, &sp.Host, &sp.Port)
	if errors.Is(err, pgx.ErrNoRows) {
		return Sprite{}, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	if err != nil {
		return Sprite{}, fmt.Errorf("lookup sprite for %s: %w", userID, err)
	}

	if sp.Host == "" {
		sp.Host = p.defaultHost
	}
	if sp.Port == 0 {
		sp.Port = p.defaultPort
	}
	return sp, nil
}

// Ping checks the database is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, "SELECT 1"); err != nil {
		return fmt.Errorf("ping directory: %w", err)
	}
	return nil
}
