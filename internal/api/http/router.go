package http

import (
	"context"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httplog/v2"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/linklab/linklab/internal/models"
	"github.com/linklab/linklab/internal/ratelimit"
	"github.com/linklab/linklab/internal/service"
)

type URLService interface {
	ShortenURL(ctx context.Context, input service.ShortenInput) (*models.URL, error)
	ResolveShortCode(ctx context.Context, shortCode string) (*models.URL, error)
	VerifyPassword(ctx context.Context, shortCode, candidate string) error
	RecordClick(ctx context.Context, shortCode string, info service.ClickInfo) error
	DeactivateURL(ctx context.Context, shortCode string) error
	GetURLStats(ctx context.Context, shortCode string) (*service.URLStats, error)
}

// PasswordLimiter guards password verification attempts.
type PasswordLimiter interface {
	Check(ctx context.Context, key string) (ratelimit.Decision, error)
	Reset(ctx context.Context, key string) error
}

// TestCaseGenerator produces test cases for a described behavior.
type TestCaseGenerator interface {
	GenerateTestCases(ctx context.Context, description string) (string, error)
}

func getValidate() *validator.Validate {
	validate := validator.New()

	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return validate
}

func NewRouter(logger *httplog.Logger, urlSvc URLService, limiter PasswordLimiter, gen TestCaseGenerator) http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*"},
		AllowedMethods:   []string{"POST", "GET", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Accept"},
		AllowCredentials: false,
		MaxAge:           84600,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(httplog.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Get("/{shortCode}", handleRedirect(urlSvc))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.AllowContentType("application/json"))

		validate := getValidate()

		r.Get("/ping", handlePing)

		r.Route("/shorten", func(r chi.Router) {
			r.Post("/", handleShortenURL(urlSvc, validate))

			r.Route("/{shortCode}", func(r chi.Router) {
				r.Get("/", handleResolveShortCode(urlSvc))
				r.Delete("/", handleDeactivateURL(urlSvc))
				r.Get("/stats", handleGetURLStats(urlSvc))
				r.Post("/verify", handleVerifyPassword(urlSvc, limiter, validate))
			})
		})

		r.Post("/testgen", handleGenerateTestCases(gen, validate))
	})

	return r
}
