package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/linklab/linklab/internal/database"
	"github.com/linklab/linklab/internal/models"
)

type urlRecord struct {
	ID           string           `db:"id"`
	ShortCode    string           `db:"short_code"`
	OriginalURL  string           `db:"original_url"`
	PasswordHash sql.NullString   `db:"password_hash"`
	ExpiresAt    *time.Time       `db:"expires_at"`
	Clicks       int64            `db:"clicks"`
	UTMParams    models.UTMParams `db:"utm_params"`
	CreatedAt    time.Time        `db:"created_at"`
	UpdatedAt    time.Time        `db:"updated_at"`
}

func (r *urlRecord) ToURL() *models.URL {
	return &models.URL{
		ID:           r.ID,
		ShortCode:    r.ShortCode,
		OriginalURL:  r.OriginalURL,
		PasswordHash: r.PasswordHash.String,
		ExpiresAt:    r.ExpiresAt,
		Clicks:       r.Clicks,
		UTMParams:    r.UTMParams,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

type clickRecord struct {
	ID         string         `db:"id"`
	URLID      string         `db:"url_id"`
	OccurredAt time.Time      `db:"occurred_at"`
	Referrer   sql.NullString `db:"referrer"`
	Device     sql.NullString `db:"device"`
}

func (r *clickRecord) ToClick() *models.Click {
	return &models.Click{
		ID:         r.ID,
		URLID:      r.URLID,
		OccurredAt: r.OccurredAt,
		Referrer:   r.Referrer.String,
		Device:     r.Device.String,
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

type URLRepository struct {
	db *sqlx.DB
}

func NewURLRepository(db *sqlx.DB) *URLRepository {
	return &URLRepository{
		db: db,
	}
}

func (r *URLRepository) Create(ctx context.Context, url *models.URL) (*models.URL, error) {
	const op = "database.postgres.URLRepository.Create"

	rec := new(urlRecord)
	query := `INSERT INTO urls(id, short_code, original_url, password_hash, expires_at, utm_params)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING *`

	err := r.db.GetContext(ctx, rec, query,
		uuid.NewString(), url.ShortCode, url.OriginalURL,
		nullString(url.PasswordHash), url.ExpiresAt, url.UTMParams)
	if err != nil {
		if isUniqueViolationError(err) {
			return nil, fmt.Errorf("%s: %w", op, database.ErrShortCodeExists)
		}

		return nil, fmt.Errorf("%s: failed to create url record: %w", op, err)
	}

	return rec.ToURL(), nil
}

func (r *URLRepository) GetByShortCode(ctx context.Context, shortCode string) (*models.URL, error) {
	const op = "database.postgres.URLRepository.GetByShortCode"

	rec := new(urlRecord)
	query := `SELECT * FROM urls WHERE short_code = $1`

	err := r.db.GetContext(ctx, rec, query, shortCode)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, database.ErrURLNotFound)
		}

		return nil, fmt.Errorf("%s: failed to get url record: %w", op, err)
	}

	return rec.ToURL(), nil
}

// RecordClick atomically bumps the click counter and appends a click
// event. An unknown short code is a no-op, not an error.
func (r *URLRepository) RecordClick(ctx context.Context, shortCode string, click *models.Click) error {
	const op = "database.postgres.URLRepository.RecordClick"

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: failed to begin transaction: %w", op, err)
	}
	defer tx.Rollback() //nolint:errcheck

	var urlID string
	query := `UPDATE urls
		SET clicks = clicks + 1, updated_at = now()
		WHERE short_code = $1
		RETURNING id`

	err = tx.GetContext(ctx, &urlID, query, shortCode)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}

		return fmt.Errorf("%s: failed to increment clicks: %w", op, err)
	}

	query = `INSERT INTO click_events(id, url_id, occurred_at, referrer, device)
		VALUES ($1, $2, $3, $4, $5)`

	occurredAt := click.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}

	_, err = tx.ExecContext(ctx, query,
		uuid.NewString(), urlID, occurredAt,
		nullString(click.Referrer), nullString(click.Device))
	if err != nil {
		return fmt.Errorf("%s: failed to insert click event: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: failed to commit transaction: %w", op, err)
	}

	return nil
}

func (r *URLRepository) Delete(ctx context.Context, shortCode string) error {
	const op = "database.postgres.URLRepository.Delete"

	query := `DELETE FROM urls WHERE short_code = $1`

	res, err := r.db.ExecContext(ctx, query, shortCode)
	if err != nil {
		return fmt.Errorf("%s: failed to delete url record: %w", op, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: failed to get affected rows: %w", op, err)
	}
	if rows == 0 {
		return fmt.Errorf("%s: %w", op, database.ErrURLNotFound)
	}

	return nil
}

func (r *URLRepository) GetClicks(ctx context.Context, urlID string, limit int) ([]*models.Click, error) {
	const op = "database.postgres.URLRepository.GetClicks"

	var recs []clickRecord
	query := `SELECT * FROM click_events
		WHERE url_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2`

	if err := r.db.SelectContext(ctx, &recs, query, urlID, limit); err != nil {
		return nil, fmt.Errorf("%s: failed to get click events: %w", op, err)
	}

	clicks := make([]*models.Click, 0, len(recs))
	for i := range recs {
		clicks = append(clicks, recs[i].ToClick())
	}

	return clicks, nil
}

// DeleteExpired removes URLs whose expiration has passed. The boundary is
// inclusive to match the read path.
func (r *URLRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	const op = "database.postgres.URLRepository.DeleteExpired"

	query := `DELETE FROM urls WHERE expires_at IS NOT NULL AND expires_at <= $1`

	res, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("%s: failed to delete expired urls: %w", op, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: failed to get affected rows: %w", op, err)
	}

	return rows, nil
}
