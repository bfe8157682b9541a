package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dmitrijs2005/shopkeeper/internal/common"
	"github.com/dmitrijs2005/shopkeeper/internal/logging"
	"github.com/dmitrijs2005/shopkeeper/internal/server/auth"
	chimid "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	stdlib "github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"github.com/unrolled/secure"
)

// TokenAuthenticator verifies a bearer token's signature and lifetime.
type TokenAuthenticator interface {
	Authenticate(token string) (auth.ClaimSet, error)
}

// Gate decides whether authenticated claims still belong to a live session.
type Gate interface {
	Check(ctx context.Context, claims auth.ClaimSet) error
}

// Authenticator authenticates the bearer token, runs the gate and puts the
// claims on the request context.
func Authenticator(tokens TokenAuthenticator, gate Gate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				writeError(w, common.ErrorUnauthorized)
				return
			}
			claims, err := tokens.Authenticate(raw)
			if err != nil {
				writeError(w, common.ErrorUnauthorized)
				return
			}
			if err := gate.Check(r.Context(), claims); err != nil {
				writeError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get(common.AuthorizationHeaderName)
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme+" ", common.BearerPrefix) {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// RequireRole lets through callers whose token carries role.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := auth.ClaimsFromContext(r.Context())
			if !ok {
				writeError(w, common.ErrorUnauthorized)
				return
			}
			if !claims.Has(auth.ClaimRole, role) {
				writeError(w, common.ErrorForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger logs one line per request.
func RequestLogger(l logging.Logger) func(http.Handler) http.Handler {
	l = l.With("module", "http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimid.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			l.Info(r.Context(), "request",
				"request_id", chimid.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
			)
		})
	}
}

// Secure adds the standard security headers. development relaxes the
// host and TLS checks.
func Secure(development bool) func(http.Handler) http.Handler {
	return secure.New(secure.Options{
		IsDevelopment:         development,
		ContentTypeNosniff:    true,
		FrameDeny:             true,
		BrowserXssFilter:      true,
		ContentSecurityPolicy: "default-src 'none'",
		ReferrerPolicy:        "no-referrer",
	}).Handler
}

// LimiterStore is a rate-limit store, Redis-backed when a client is set so
// limits are shared between instances.
type LimiterStore struct {
	limiter.Store
	client *redis.Client
}

// NewLimiterStore connects to redisURL, or keeps counters in process memory
// when it is empty.
func NewLimiterStore(ctx context.Context, redisURL string) (*LimiterStore, error) {
	if redisURL == "" {
		return &LimiterStore{Store: memory.NewStore()}, nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	store, err := sredis.NewStoreWithOptions(client, limiter.StoreOptions{
		Prefix:   "shopkeeper_limiter",
		MaxRetry: 3,
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("limiter store: %w", err)
	}
	return &LimiterStore{Store: store, client: client}, nil
}

// Shared reports whether counters live in Redis.
func (s *LimiterStore) Shared() bool { return s.client != nil }

func (s *LimiterStore) Ping(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Ping(ctx).Err()
}

func (s *LimiterStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// RateLimiter limits requests per client IP. An empty rate disables it.
func RateLimiter(rate string, store limiter.Store) (func(http.Handler) http.Handler, error) {
	if rate == "" {
		return func(next http.Handler) http.Handler { return next }, nil
	}
	r, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return nil, fmt.Errorf("rate %q: %w", rate, err)
	}
	mw := stdlib.NewMiddleware(limiter.New(store, r),
		stdlib.WithLimitReachedHandler(func(w http.ResponseWriter, _ *http.Request) {
			writeProblem(w, http.StatusTooManyRequests, "Too many requests.", nil)
		}),
		stdlib.WithErrorHandler(func(w http.ResponseWriter, _ *http.Request, err error) {
			writeError(w, errors.Join(common.ErrorInternal, err))
		}),
	)
	return mw.Handler, nil
}
