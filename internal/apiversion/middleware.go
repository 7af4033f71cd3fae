package apiversion

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/taxpoynt/messagefabric/internal/routing"
	"github.com/taxpoynt/messagefabric/pkg/json"
)

// RoleHeader identifies the calling platform role.
const RoleHeader = "X-Service-Role"

type contextKey string

const versionContextKey contextKey = "api_version"

// VersionFromContext returns the negotiated major version, if any.
func VersionFromContext(ctx context.Context) (int, bool) {
	major, ok := ctx.Value(versionContextKey).(int)
	return major, ok
}

// MiddlewareConfig tunes the version middleware.
type MiddlewareConfig struct {
	// Limiter enforces per-role hourly limits when set.
	Limiter *RateLimiter
	// DefaultRateLimit applies when a version carries no per-role limit.
	DefaultRateLimit int
}

// Middleware negotiates the API version for each request, validates role
// access and rate limits, and stamps the version response headers.
func (c *Coordinator) Middleware(cfg MiddlewareConfig, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			major, source := c.Detect(r)
			if major == 0 {
				writeError(w, http.StatusBadRequest, "no API version requested and no stable version available")
				return
			}
			v, ok := c.Version(major)
			if !ok {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown API version v%d", major))
				return
			}

			role := routing.Role(r.Header.Get(RoleHeader))
			if err := c.ValidateRoleAccess(major, role); err != nil {
				status := http.StatusForbidden
				if v.Status == LifecycleSunset || v.Status == LifecycleArchived {
					status = http.StatusGone
				}
				stampVersionHeaders(w, v)
				writeError(w, status, err.Error())
				return
			}

			if cfg.Limiter != nil {
				limit := cfg.DefaultRateLimit
				if perRole, ok := v.RoleRateLimits[role]; ok {
					limit = perRole
				}
				allowed, err := cfg.Limiter.Allow(r.Context(), string(role), fmt.Sprintf("v%d", major), limit)
				if err != nil {
					log.Warn("Rate limit check failed, admitting request", zap.Error(err))
				} else if !allowed {
					stampVersionHeaders(w, v)
					w.Header().Set("Retry-After", strconv.Itoa(secondsToNextHour()))
					writeError(w, http.StatusTooManyRequests, "hourly rate limit exceeded")
					return
				}
			}

			stampVersionHeaders(w, v)
			log.Debug("API version negotiated",
				zap.Int("major", major),
				zap.String("source", string(source)),
				zap.String("role", string(role)))
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), versionContextKey, major)))
		})
	}
}

func stampVersionHeaders(w http.ResponseWriter, v *Version) {
	h := w.Header()
	h.Set("API-Version", fmt.Sprintf("v%d", v.Major))
	h.Set("API-Version-Full", v.Full)
	h.Set("API-Version-Status", string(v.Status))
	if v.Status == LifecycleDeprecated || v.Status == LifecycleSunset {
		h.Set("Deprecation", "true")
		if v.SunsetAt != nil {
			h.Set("Sunset", v.SunsetAt.UTC().Format(http.TimeFormat))
		}
		if v.MigrationGuide != "" {
			h.Set("API-Migration-Guide", v.MigrationGuide)
		}
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body, err := json.Marshal(map[string]interface{}{"error": message})
	if err != nil {
		return
	}
	_, _ = w.Write(body)
}

func secondsToNextHour() int {
	now := time.Now().UTC()
	next := now.Truncate(time.Hour).Add(time.Hour)
	return int(next.Sub(now).Seconds()) + 1
}
