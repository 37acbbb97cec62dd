package http

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httplog/v2"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"github.com/linklab/linklab/internal/database"
	"github.com/linklab/linklab/internal/metrics"
	"github.com/linklab/linklab/internal/models"
	"github.com/linklab/linklab/internal/service"
	"github.com/linklab/linklab/pkg/response"
)

func handlePing(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "pong")
}

type shortenRequest struct {
	URL       string            `json:"url" validate:"required,url"`
	Password  string            `json:"password" validate:"omitempty,min=4,max=72"`
	ExpiresAt *time.Time        `json:"expires_at"`
	UTMParams map[string]string `json:"utm_params"`
}

type urlResponse struct {
	ID        string            `json:"id"`
	ShortCode string            `json:"short_code"`
	URL       string            `json:"url,omitempty"`
	Protected bool              `json:"protected"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
	UTMParams map[string]string `json:"utm_params,omitempty"`
	Clicks    int64             `json:"clicks,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func toURLResponse(url *models.URL) urlResponse {
	resp := urlResponse{
		ID:        url.ID,
		ShortCode: url.ShortCode,
		URL:       url.OriginalURL,
		Protected: url.IsProtected(),
		ExpiresAt: url.ExpiresAt,
		UTMParams: url.UTMParams,
		CreatedAt: url.CreatedAt,
		UpdatedAt: url.UpdatedAt,
	}

	// Protected destinations are only revealed after password verification.
	if resp.Protected {
		resp.URL = ""
	}

	return resp
}

func handleShortenURL(svc URLService, validate *validator.Validate) http.HandlerFunc {
	const op = "api.http.handleShortenURL"
	const successMsg = "The URL has been shortened successfully."

	return func(w http.ResponseWriter, r *http.Request) {
		var req shortenRequest

		if err := render.DecodeJSON(r.Body, &req); err != nil {
			if errors.Is(err, io.EOF) {
				render.Status(r, http.StatusBadRequest)
				render.JSON(w, r, response.EmptyRequestBodyResponse)
				return
			}

			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, response.BadRequestResponse)
			return
		}

		if err := validate.Struct(req); err != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, response.ValidationErrorResponse(err))
			return
		}

		url, err := svc.ShortenURL(r.Context(), service.ShortenInput{
			URL:       req.URL,
			Password:  req.Password,
			ExpiresAt: req.ExpiresAt,
			UTMParams: req.UTMParams,
		})
		if err != nil {
			httplog.LogEntrySetFields(r.Context(), map[string]any{"op": op, "err": err})

			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, response.ServerErrorResponse)
			return
		}

		metrics.URLsCreatedTotal.Inc()

		render.Status(r, http.StatusCreated)
		render.JSON(w, r, response.SuccessResponse(successMsg, toURLResponse(url)))
	}
}

func handleResolveShortCode(svc URLService) http.HandlerFunc {
	const op = "api.http.handleResolveShortCode"
	const successMsg = "The short code was successfully resolved."

	return func(w http.ResponseWriter, r *http.Request) {
		shortCode := chi.URLParam(r, "shortCode")

		url, err := svc.ResolveShortCode(r.Context(), shortCode)
		if err != nil {
			switch {
			case errors.Is(err, database.ErrURLNotFound):
				render.Status(r, http.StatusNotFound)
				render.JSON(w, r, response.ResourceNotFoundResponse)
			case errors.Is(err, service.ErrURLExpired):
				render.Status(r, http.StatusGone)
				render.JSON(w, r, response.URLExpiredResponse)
			default:
				httplog.LogEntrySetFields(r.Context(), map[string]any{"op": op, "err": err})

				render.Status(r, http.StatusInternalServerError)
				render.JSON(w, r, response.ServerErrorResponse)
			}
			return
		}

		render.Status(r, http.StatusOK)
		render.JSON(w, r, response.SuccessResponse(successMsg, toURLResponse(url)))
	}
}

func handleDeactivateURL(svc URLService) http.HandlerFunc {
	const op = "api.http.handleDeactivateURL"
	const successMsg = "The URL was successfully deactivated."

	return func(w http.ResponseWriter, r *http.Request) {
		shortCode := chi.URLParam(r, "shortCode")

		err := svc.DeactivateURL(r.Context(), shortCode)
		if err != nil {
			if errors.Is(err, database.ErrURLNotFound) {
				render.Status(r, http.StatusNotFound)
				render.JSON(w, r, response.ResourceNotFoundResponse)
				return
			}

			httplog.LogEntrySetFields(r.Context(), map[string]any{"op": op, "err": err})

			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, response.ServerErrorResponse)
			return
		}

		render.Status(r, http.StatusOK)
		render.JSON(w, r, response.SuccessResponse(successMsg))
	}
}

type clickResponse struct {
	OccurredAt time.Time `json:"occurred_at"`
	Referrer   string    `json:"referrer,omitempty"`
	Device     string    `json:"device,omitempty"`
}

type statsResponse struct {
	urlResponse
	RecentClicks []clickResponse `json:"recent_clicks"`
}

func handleGetURLStats(svc URLService) http.HandlerFunc {
	const op = "api.http.handleGetURLStats"
	const successMsg = "The URL statistics retrieved successfully."

	return func(w http.ResponseWriter, r *http.Request) {
		shortCode := chi.URLParam(r, "shortCode")

		stats, err := svc.GetURLStats(r.Context(), shortCode)
		if err != nil {
			if errors.Is(err, database.ErrURLNotFound) {
				render.Status(r, http.StatusNotFound)
				render.JSON(w, r, response.ResourceNotFoundResponse)
				return
			}

			httplog.LogEntrySetFields(r.Context(), map[string]any{"op": op, "err": err})

			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, response.ServerErrorResponse)
			return
		}

		data := statsResponse{
			urlResponse:  toURLResponse(stats.URL),
			RecentClicks: make([]clickResponse, 0, len(stats.RecentClicks)),
		}
		data.Clicks = stats.URL.Clicks

		for _, click := range stats.RecentClicks {
			data.RecentClicks = append(data.RecentClicks, clickResponse{
				OccurredAt: click.OccurredAt,
				Referrer:   click.Referrer,
				Device:     click.Device,
			})
		}

		render.Status(r, http.StatusOK)
		render.JSON(w, r, response.SuccessResponse(successMsg, data))
	}
}

type verifyPasswordRequest struct {
	Password string `json:"password" validate:"required"`
}

func handleVerifyPassword(svc URLService, limiter PasswordLimiter, validate *validator.Validate) http.HandlerFunc {
	const op = "api.http.handleVerifyPassword"
	const successMsg = "The password was successfully verified."

	return func(w http.ResponseWriter, r *http.Request) {
		shortCode := chi.URLParam(r, "shortCode")

		var req verifyPasswordRequest

		if err := render.DecodeJSON(r.Body, &req); err != nil {
			if errors.Is(err, io.EOF) {
				render.Status(r, http.StatusBadRequest)
				render.JSON(w, r, response.EmptyRequestBodyResponse)
				return
			}

			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, response.BadRequestResponse)
			return
		}

		if err := validate.Struct(req); err != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, response.ValidationErrorResponse(err))
			return
		}

		key := limiterKey(r, shortCode)

		decision, err := limiter.Check(r.Context(), key)
		if err != nil {
			// Fail open: an unavailable limiter store must not lock users
			// out. The attempt goes unaccounted but is logged.
			httplog.LogEntrySetFields(r.Context(), map[string]any{"op": op, "err": err})
			decision.Allowed = true
		}

		if !decision.Allowed {
			metrics.RateLimitedTotal.Inc()

			if retryAfter := decision.RetryAfter(time.Now()); retryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
			}

			render.Status(r, http.StatusTooManyRequests)
			render.JSON(w, r, response.RateLimitedResponse(decision.BlockedUntil))
			return
		}

		if err := svc.VerifyPassword(r.Context(), shortCode, req.Password); err != nil {
			switch {
			case errors.Is(err, service.ErrInvalidPassword):
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, response.InvalidPasswordResponse)
			case errors.Is(err, database.ErrURLNotFound):
				render.Status(r, http.StatusNotFound)
				render.JSON(w, r, response.ResourceNotFoundResponse)
			case errors.Is(err, service.ErrURLExpired):
				render.Status(r, http.StatusGone)
				render.JSON(w, r, response.URLExpiredResponse)
			default:
				httplog.LogEntrySetFields(r.Context(), map[string]any{"op": op, "err": err})

				render.Status(r, http.StatusInternalServerError)
				render.JSON(w, r, response.ServerErrorResponse)
			}
			return
		}

		// A successful verification clears the attempt window.
		if err := limiter.Reset(r.Context(), key); err != nil {
			httplog.LogEntrySetFields(r.Context(), map[string]any{"op": op, "err": err})
		}

		url, err := svc.ResolveShortCode(r.Context(), shortCode)
		if err != nil {
			httplog.LogEntrySetFields(r.Context(), map[string]any{"op": op, "err": err})

			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, response.ServerErrorResponse)
			return
		}

		if err := svc.RecordClick(r.Context(), shortCode, clickInfo(r)); err != nil {
			httplog.LogEntrySetFields(r.Context(), map[string]any{"op": op, "err": err})
		} else {
			metrics.ClicksRecordedTotal.Inc()
		}

		data := toURLResponse(url)
		data.URL = destination(url)

		render.Status(r, http.StatusOK)
		render.JSON(w, r, response.SuccessResponse(successMsg, data))
	}
}

func handleRedirect(svc URLService) http.HandlerFunc {
	const op = "api.http.handleRedirect"

	return func(w http.ResponseWriter, r *http.Request) {
		shortCode := chi.URLParam(r, "shortCode")

		url, err := svc.ResolveShortCode(r.Context(), shortCode)
		if err != nil {
			switch {
			case errors.Is(err, database.ErrURLNotFound):
				render.Status(r, http.StatusNotFound)
				render.JSON(w, r, response.ResourceNotFoundResponse)
			case errors.Is(err, service.ErrURLExpired):
				render.Status(r, http.StatusGone)
				render.JSON(w, r, response.URLExpiredResponse)
			default:
				httplog.LogEntrySetFields(r.Context(), map[string]any{"op": op, "err": err})

				render.Status(r, http.StatusInternalServerError)
				render.JSON(w, r, response.ServerErrorResponse)
			}
			return
		}

		if url.IsProtected() {
			render.Status(r, http.StatusUnauthorized)
			render.JSON(w, r, response.PasswordRequiredResponse)
			return
		}

		if err := svc.RecordClick(r.Context(), shortCode, clickInfo(r)); err != nil {
			// The redirect still happens; losing a click event is preferable
			// to failing the navigation.
			httplog.LogEntrySetFields(r.Context(), map[string]any{"op": op, "err": err})
		} else {
			metrics.ClicksRecordedTotal.Inc()
		}

		metrics.RedirectsTotal.Inc()

		http.Redirect(w, r, destination(url), http.StatusTemporaryRedirect)
	}
}

type testGenRequest struct {
	Description string `json:"description" validate:"required,max=2000"`
}

type testGenResponse struct {
	Cases string `json:"cases"`
}

func handleGenerateTestCases(gen TestCaseGenerator, validate *validator.Validate) http.HandlerFunc {
	const op = "api.http.handleGenerateTestCases"
	const successMsg = "Test cases generated successfully."

	return func(w http.ResponseWriter, r *http.Request) {
		var req testGenRequest

		if err := render.DecodeJSON(r.Body, &req); err != nil {
			if errors.Is(err, io.EOF) {
				render.Status(r, http.StatusBadRequest)
				render.JSON(w, r, response.EmptyRequestBodyResponse)
				return
			}

			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, response.BadRequestResponse)
			return
		}

		if err := validate.Struct(req); err != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, response.ValidationErrorResponse(err))
			return
		}

		cases, err := gen.GenerateTestCases(r.Context(), req.Description)
		if err != nil {
			httplog.LogEntrySetFields(r.Context(), map[string]any{"op": op, "err": err})

			render.Status(r, http.StatusBadGateway)
			render.JSON(w, r, response.ServerErrorResponse)
			return
		}

		render.Status(r, http.StatusOK)
		render.JSON(w, r, response.SuccessResponse(successMsg, testGenResponse{Cases: cases}))
	}
}

// destination returns the redirect target with the stored UTM parameters
// appended to the query string.
func destination(u *models.URL) string {
	if len(u.UTMParams) == 0 {
		return u.OriginalURL
	}

	parsed, err := url.Parse(u.OriginalURL)
	if err != nil {
		return u.OriginalURL
	}

	q := parsed.Query()
	for k, v := range u.UTMParams {
		q.Set(k, v)
	}
	parsed.RawQuery = q.Encode()

	return parsed.String()
}

func clickInfo(r *http.Request) service.ClickInfo {
	return service.ClickInfo{
		Referrer: r.Referer(),
		Device:   deviceClass(r.UserAgent()),
	}
}

func deviceClass(userAgent string) string {
	switch {
	case userAgent == "":
		return ""
	case strings.Contains(userAgent, "Mobi"):
		return "mobile"
	default:
		return "desktop"
	}
}

// limiterKey scopes the attempt window to a client and a single link, so
// exhausting attempts on one link does not lock the client out of others.
func limiterKey(r *http.Request, shortCode string) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return host + ":" + shortCode
}
