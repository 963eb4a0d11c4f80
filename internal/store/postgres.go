package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/serroba/postviews/internal/views"
)

// PostgresPostStore is a PostgreSQL implementation of views.PostStore.
type PostgresPostStore struct {
	pool *pgxpool.Pool
}

// NewPostgresPostStore creates a new PostgreSQL-backed post store.
func NewPostgresPostStore(pool *pgxpool.Pool) *PostgresPostStore {
	return &PostgresPostStore{pool: pool}
}

// AddViews adds delta to the post's view_count in its own transaction.
func (p *PostgresPostStore) AddViews(ctx context.Context, id views.PostID, delta int64) error {
	query := `
		UPDATE posts
		SET view_count = view_count + $2, updated_at = now()
		WHERE id = $1
	`

	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query, int64(id), delta)
		if err != nil {
			return err
		}

		if tag.RowsAffected() == 0 {
			return views.ErrPostNotFound
		}

		return nil
	})
}

func (p *PostgresPostStore) ViewCount(ctx context.Context, id views.PostID) (int64, error) {
	var count int64

	err := p.pool.QueryRow(ctx, `SELECT view_count FROM posts WHERE id = $1`, int64(id)).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, views.ErrPostNotFound
		}

		return 0, err
	}

	return count, nil
}

// Ping checks database connectivity.
func (p *PostgresPostStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}
