package queue

import (
	"context"
	"database/sql"
	"time"

	"github.com/pablopunk/doce.dev-sub004/errors"
)

// Settings is the singleton row that controls the whole queue.
type Settings struct {
	Paused      bool      `json:"paused"`
	Concurrency int       `json:"concurrency"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// GetSettings reads the settings row. It is never cached.
func (s *Store) GetSettings(ctx context.Context) (Settings, error) {
	var (
		settings  Settings
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT paused, concurrency, updated_at FROM queue_settings WHERE id = 1`,
	).Scan(&settings.Paused, &settings.Concurrency, &updatedAt)
	if err == sql.ErrNoRows {
		return Settings{}, errors.WithHint(
			errors.NewNotFoundError("queue settings row missing"),
			"run database migrations",
		)
	}
	if err != nil {
		return Settings{}, errors.Wrap(err, "failed to read queue settings")
	}
	settings.UpdatedAt = fromMillis(updatedAt)
	return settings, nil
}

// SetPaused stops or resumes claiming. Jobs already running are not affected.
func (s *Store) SetPaused(ctx context.Context, paused bool) (Settings, error) {
	flag := 0
	if paused {
		flag = 1
	}
	return s.updateSettings(ctx, `UPDATE queue_settings SET paused = ?, updated_at = ? WHERE id = 1`, flag)
}

// SetConcurrency sets how many jobs the worker runs at once.
func (s *Store) SetConcurrency(ctx context.Context, n int) (Settings, error) {
	if n < 1 {
		return Settings{}, errors.NewInvalidRequestError("concurrency must be >= 1, got %d", n)
	}
	return s.updateSettings(ctx, `UPDATE queue_settings SET concurrency = ?, updated_at = ? WHERE id = 1`, n)
}

func (s *Store) updateSettings(ctx context.Context, query string, value int) (Settings, error) {
	res, err := s.db.ExecContext(ctx, query, value, toMillis(s.Now()))
	if err != nil {
		return Settings{}, errors.Wrap(err, "failed to update queue settings")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return Settings{}, errors.NewNotFoundError("queue settings row missing")
	}
	return s.GetSettings(ctx)
}
