// Package idempotency implements the replay/lock guard for mutating HTTP
// endpoints. Callers opt in by sending an Idempotency-Key header; the guard
// serves byte-identical replays for retries, rejects concurrent duplicates,
// and detects key reuse across different requests.
package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/utafrali/identity/internal/domain"
	"github.com/utafrali/identity/internal/repository"
	"github.com/utafrali/identity/pkg/httputil"
	"github.com/utafrali/identity/pkg/logger"
	apperrors "github.com/utafrali/identity/pkg/errors"
)

// HeaderKey is the request header carrying the caller-supplied key.
const HeaderKey = "Idempotency-Key"

// HeaderReplayed marks a response served from the idempotency store instead
// of the handler.
const HeaderReplayed = "Idempotency-Replayed"

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Cache is the hot tier of the idempotency store. The redis implementation
// satisfies it.
type Cache interface {
	Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
	Set(ctx context.Context, rec *domain.IdempotencyRecord) error
	AcquireLock(ctx context.Context, key, fingerprint string) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
	LockHolder(ctx context.Context, key string) (string, error)
}

// Config tunes the guard.
type Config struct {
	// RecordTTL bounds how long a stored response can be replayed.
	RecordTTL time.Duration

	// FailOpen selects the policy when the store or cache is unreachable:
	// true lets the request through without protection, false rejects it.
	// This is a deployment decision, configured explicitly at startup.
	FailOpen bool
}

// Guard wraps handlers with idempotency protection.
type Guard struct {
	cache   Cache
	records repository.IdempotencyRepository
	logger  *slog.Logger
	cfg     Config
}

// NewGuard creates a guard over the given cache and durable store.
func NewGuard(cache Cache, records repository.IdempotencyRepository, log *slog.Logger, cfg Config) *Guard {
	return &Guard{
		cache:   cache,
		records: records,
		logger:  log,
		cfg:     cfg,
	}
}

// Fingerprint derives the request identity from method, path, and body. The
// same key sent with a different fingerprint is key misuse, not a retry.
func Fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Middleware applies the guard to a route. Requests without the header pass
// through untouched; protection is opt-in per caller.
func (g *Guard) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderKey)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			if !keyPattern.MatchString(key) {
				httputil.WriteError(w, r, apperrors.InvalidInput(
					"idempotency key must be 1-64 characters of [A-Za-z0-9_-]"), g.logger)
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				httputil.WriteError(w, r, apperrors.InvalidInput("unreadable request body"), g.logger)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			fingerprint := Fingerprint(r.Method, r.URL.Path, body)
			g.serve(w, r, next, key, fingerprint)
		})
	}
}

func (g *Guard) serve(w http.ResponseWriter, r *http.Request, next http.Handler, key, fingerprint string) {
	ctx := r.Context()
	log := logger.WithContext(ctx, g.logger).With(slog.String("idempotency_key", key))

	// Cache first: a hit with a matching fingerprint is a replay.
	if rec, err := g.cache.Get(ctx, key); err == nil {
		if rec.RequestFingerprint != fingerprint {
			conflicts.WithLabelValues("key_reused").Inc()
			log.Warn("idempotency key reused with different request")
			httputil.WriteError(w, r, apperrors.IdempotencyKeyReused(key), g.logger)
			return
		}
		g.replay(w, rec)
		return
	} else if !errors.Is(err, apperrors.ErrNotFound) {
		if !g.failOpen(w, r, log, "cache lookup", err) {
			return
		}
	}

	// Durable store next: replays survive cache eviction.
	if rec, err := g.records.GetByKey(ctx, key); err == nil {
		if rec.Expired(time.Now().UTC()) {
			// An expired record no longer protects; the request executes fresh.
			log.Debug("idempotency record expired, executing handler")
		} else if rec.RequestFingerprint != fingerprint {
			conflicts.WithLabelValues("key_reused").Inc()
			log.Warn("idempotency key reused with different request")
			httputil.WriteError(w, r, apperrors.IdempotencyKeyReused(key), g.logger)
			return
		} else {
			if cacheErr := g.cache.Set(ctx, rec); cacheErr != nil {
				log.Warn("idempotency cache repopulation failed", slog.String("error", cacheErr.Error()))
			}
			g.replay(w, rec)
			return
		}
	} else if !errors.Is(err, apperrors.ErrNotFound) {
		if !g.failOpen(w, r, log, "record lookup", err) {
			return
		}
	}

	locked, err := g.cache.AcquireLock(ctx, key, fingerprint)
	if err != nil {
		if !g.failOpen(w, r, log, "lock acquire", err) {
			return
		}
		// Fail-open without a lock: execute unprotected.
		next.ServeHTTP(w, r)
		return
	}
	if !locked {
		// The holder's fingerprint tells retry apart from key reuse: a
		// different request racing on the same key is misuse, not a retry.
		if holder, holderErr := g.cache.LockHolder(ctx, key); holderErr == nil && holder != "" && holder != fingerprint {
			conflicts.WithLabelValues("key_reused").Inc()
			log.Warn("idempotency key reused with different request")
			httputil.WriteError(w, r, apperrors.IdempotencyKeyReused(key), g.logger)
			return
		}
		conflicts.WithLabelValues("in_flight").Inc()
		log.Warn("concurrent duplicate request rejected")
		httputil.WriteError(w, r, apperrors.DuplicateInFlight(key), g.logger)
		return
	}
	defer func() {
		if err := g.cache.ReleaseLock(ctx, key); err != nil {
			log.Warn("idempotency lock release failed", slog.String("error", err.Error()))
		}
	}()

	rec := g.execute(w, r, next, key, fingerprint)
	if rec == nil {
		// Handler failure: nothing is cached, so a legitimate retry under the
		// same key executes again.
		return
	}

	if err := g.records.Create(ctx, rec); err != nil {
		log.Error("idempotency record persist failed", slog.String("error", err.Error()))
	}
	if err := g.cache.Set(ctx, rec); err != nil {
		log.Warn("idempotency cache persist failed", slog.String("error", err.Error()))
	}
}

// execute invokes the handler while capturing the response. It returns the
// record to store, or nil when the handler failed.
func (g *Guard) execute(w http.ResponseWriter, r *http.Request, next http.Handler, key, fingerprint string) *domain.IdempotencyRecord {
	rec := newRecorder(w)
	next.ServeHTTP(rec, r)

	if rec.status >= http.StatusBadRequest {
		return nil
	}

	now := time.Now().UTC()
	return &domain.IdempotencyRecord{
		IdempotencyKey:     key,
		RequestFingerprint: fingerprint,
		ResponseStatus:     rec.status,
		ResponseBody:       rec.body.Bytes(),
		ResponseHeaders:    rec.capturedHeaders(),
		ExpiresAt:          now.Add(g.cfg.RecordTTL),
		CreatedAt:          now,
	}
}

// replay writes the stored response verbatim, marked as replayed.
func (g *Guard) replay(w http.ResponseWriter, rec *domain.IdempotencyRecord) {
	replaysServed.Inc()

	for name, value := range rec.ResponseHeaders {
		w.Header().Set(name, value)
	}
	w.Header().Set(HeaderReplayed, "true")
	w.WriteHeader(rec.ResponseStatus)
	_, _ = w.Write(rec.ResponseBody)
}

// failOpen applies the configured infrastructure-failure policy. It returns
// true when the caller should continue without protection.
func (g *Guard) failOpen(w http.ResponseWriter, r *http.Request, log *slog.Logger, op string, err error) bool {
	if g.cfg.FailOpen {
		failOpenEvents.Inc()
		log.Warn("idempotency store unavailable, failing open",
			slog.String("operation", op),
			slog.String("error", err.Error()),
		)
		return true
	}

	log.Error("idempotency store unavailable, failing closed",
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
	httputil.WriteError(w, r, apperrors.ServiceUnavailable("idempotency store unavailable"), g.logger)
	return false
}
