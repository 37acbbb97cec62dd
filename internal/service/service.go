package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/crypto/bcrypt"

	"github.com/linklab/linklab/internal/database"
	"github.com/linklab/linklab/internal/models"
)

var (
	// ErrMaxRetriesExceeded is returned when the maximum number of retries for generating a short code is exceeded.
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded for generating short code")
	// ErrURLExpired is returned when a short code resolves to a URL whose expiration has passed.
	// The record is kept; expiry is checked lazily at read time.
	ErrURLExpired = errors.New("url expired")
	// ErrInvalidPassword is returned when password verification fails.
	ErrInvalidPassword = errors.New("invalid password")
)

// clickHistoryLimit caps the number of click events returned with stats.
const clickHistoryLimit = 100

// URLRepository defines the interface for working with URLs at the business logic layer.
type URLRepository interface {
	// Create inserts a new shortened URL into the repository.
	Create(ctx context.Context, url *models.URL) (*models.URL, error)

	// GetByShortCode retrieves a URL by its short code without mutating it.
	GetByShortCode(ctx context.Context, shortCode string) (*models.URL, error)

	// RecordClick increments the click counter and appends a click event.
	// Unknown short codes are a no-op.
	RecordClick(ctx context.Context, shortCode string, click *models.Click) error

	// Delete removes a URL by its short code.
	Delete(ctx context.Context, shortCode string) error

	// GetClicks retrieves the most recent click events for a URL.
	GetClicks(ctx context.Context, urlID string, limit int) ([]*models.Click, error)

	// DeleteExpired removes URLs whose expiration has passed.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// LinkCache caches resolved URLs. Implementations must treat the
// database as the source of truth; a cache error is handled as a miss.
type LinkCache interface {
	Get(ctx context.Context, shortCode string) (*models.URL, error)
	Set(ctx context.Context, url *models.URL) error
	Delete(ctx context.Context, shortCode string) error
}

// ShortenInput carries the parameters for creating a shortened URL.
type ShortenInput struct {
	URL       string
	Password  string
	ExpiresAt *time.Time
	UTMParams models.UTMParams
}

// URLStats bundles a URL with its recent click history.
type URLStats struct {
	URL          *models.URL
	RecentClicks []*models.Click
}

// URLService provides methods to manage URL shortening operations.
type URLService struct {
	repo            URLRepository
	cache           LinkCache
	logger          *slog.Logger
	shortCodeLength int
}

// NewURLService creates a new URLService. The cache is optional and may be nil.
func NewURLService(repo URLRepository, cache LinkCache, logger *slog.Logger, shortCodeLength int) *URLService {
	return &URLService{
		repo:            repo,
		cache:           cache,
		logger:          logger,
		shortCodeLength: shortCodeLength,
	}
}

// ShortenURL generates a short code for the provided original URL and stores it in the repository.
// It attempts to generate a unique short code up to a maximum number of retries, growing the
// code by one character after each collision. The password, if any, is stored as a bcrypt hash.
func (s *URLService) ShortenURL(ctx context.Context, input ShortenInput) (*models.URL, error) {
	const op = "service.URLService.ShortenURL"
	const maxRetries = 5

	var passwordHash string
	if input.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to hash password: %w", op, err)
		}
		passwordHash = string(hash)
	}

	length := s.shortCodeLength

	for i := 0; i < maxRetries; i++ {
		shortCode, err := gonanoid.New(length)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to generate short code: %w", op, err)
		}

		url, err := s.repo.Create(ctx, &models.URL{
			ShortCode:    shortCode,
			OriginalURL:  input.URL,
			PasswordHash: passwordHash,
			ExpiresAt:    input.ExpiresAt,
			UTMParams:    input.UTMParams,
		})
		if err != nil {
			if errors.Is(err, database.ErrShortCodeExists) {
				length++
				continue
			}

			return nil, fmt.Errorf("%s: failed to shorten url: %w", op, err)
		}

		return url, nil
	}

	return nil, fmt.Errorf("%s: %w", op, ErrMaxRetriesExceeded)
}

// ResolveShortCode retrieves the URL associated with the provided short code.
// Expired URLs yield ErrURLExpired; the record itself is kept.
func (s *URLService) ResolveShortCode(ctx context.Context, shortCode string) (*models.URL, error) {
	const op = "service.URLService.ResolveShortCode"

	if s.cache != nil {
		url, err := s.cache.Get(ctx, shortCode)
		if err != nil {
			s.logger.Warn("link cache get failed", slog.String("op", op), slog.Any("err", err))
		}
		if url != nil {
			if url.IsExpired(time.Now()) {
				return nil, fmt.Errorf("%s: %w", op, ErrURLExpired)
			}
			return url, nil
		}
	}

	url, err := s.repo.GetByShortCode(ctx, shortCode)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to resolve short code: %w", op, err)
	}

	if url.IsExpired(time.Now()) {
		return nil, fmt.Errorf("%s: %w", op, ErrURLExpired)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, url); err != nil {
			s.logger.Warn("link cache set failed", slog.String("op", op), slog.Any("err", err))
		}
	}

	return url, nil
}

// VerifyPassword checks the candidate password for a protected URL.
// The comparison is constant-time via bcrypt. URLs without a password
// verify trivially.
func (s *URLService) VerifyPassword(ctx context.Context, shortCode, candidate string) error {
	const op = "service.URLService.VerifyPassword"

	url, err := s.ResolveShortCode(ctx, shortCode)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if !url.IsProtected() {
		return nil
	}

	if err := bcrypt.CompareHashAndPassword([]byte(url.PasswordHash), []byte(candidate)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return fmt.Errorf("%s: %w", op, ErrInvalidPassword)
		}

		return fmt.Errorf("%s: failed to compare password: %w", op, err)
	}

	return nil
}

// ClickInfo carries the optional metadata recorded with a click.
type ClickInfo struct {
	Referrer string
	Device   string
}

// RecordClick registers an access to the shortened URL. Unknown short
// codes leave stored state unchanged.
func (s *URLService) RecordClick(ctx context.Context, shortCode string, info ClickInfo) error {
	const op = "service.URLService.RecordClick"

	err := s.repo.RecordClick(ctx, shortCode, &models.Click{
		OccurredAt: time.Now(),
		Referrer:   info.Referrer,
		Device:     info.Device,
	})
	if err != nil {
		return fmt.Errorf("%s: failed to record click: %w", op, err)
	}

	return nil
}

// DeactivateURL deletes the URL associated with the provided short code.
// Deletion is immediate and unconditional.
func (s *URLService) DeactivateURL(ctx context.Context, shortCode string) error {
	const op = "service.URLService.DeactivateURL"

	if err := s.repo.Delete(ctx, shortCode); err != nil {
		return fmt.Errorf("%s: failed to deactivate url: %w", op, err)
	}

	if s.cache != nil {
		if err := s.cache.Delete(ctx, shortCode); err != nil {
			s.logger.Warn("link cache delete failed", slog.String("op", op), slog.Any("err", err))
		}
	}

	return nil
}

// GetURLStats retrieves the URL together with its recent click events.
// Stats remain readable for expired URLs.
func (s *URLService) GetURLStats(ctx context.Context, shortCode string) (*URLStats, error) {
	const op = "service.URLService.GetURLStats"

	url, err := s.repo.GetByShortCode(ctx, shortCode)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to get url stats: %w", op, err)
	}

	clicks, err := s.repo.GetClicks(ctx, url.ID, clickHistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to get click events: %w", op, err)
	}

	return &URLStats{
		URL:          url,
		RecentClicks: clicks,
	}, nil
}

// CleanupExpired sweeps URLs whose expiration has passed. Expiry is
// otherwise only checked lazily at read time.
func (s *URLService) CleanupExpired(ctx context.Context) (int64, error) {
	const op = "service.URLService.CleanupExpired"

	deleted, err := s.repo.DeleteExpired(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("%s: failed to delete expired urls: %w", op, err)
	}

	return deleted, nil
}
