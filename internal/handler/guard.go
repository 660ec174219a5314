package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"chat-auth-guard/internal/ratelimit"
	"chat-auth-guard/internal/util"
)

// Limiter is the part of the rate limit engine the guard needs.
type Limiter interface {
	Check(ctx context.Context, address, identifier string) ratelimit.CombinedDecision
	RecordAsync(address, identifier string, success bool)
}

// GuardConfig binds an identifier extractor and recording rules to one
// authentication route.
type GuardConfig struct {
	Name string
	// IdentifierField is the body field holding the account identifier;
	// FallbackField is tried when it is empty.
	IdentifierField string
	FallbackField   string
	// SkipSuccess and SkipFailure suppress recording of that outcome.
	SkipSuccess bool
	SkipFailure bool
}

var (
	LoginGuard          = GuardConfig{Name: "login", IdentifierField: "email", FallbackField: "username"}
	RegisterGuard       = GuardConfig{Name: "register", IdentifierField: "email", FallbackField: "username", SkipSuccess: true}
	VerifyOTPGuard      = GuardConfig{Name: "verify-otp", IdentifierField: "email"}
	ForgotPasswordGuard = GuardConfig{Name: "forgot-password", IdentifierField: "email", SkipSuccess: true}
	ResetPasswordGuard  = GuardConfig{Name: "reset-password", IdentifierField: "email"}
)

// Attempt is the resolved scope pair of a guarded request.
type Attempt struct {
	Route      string
	Address    string
	Identifier string
}

type attemptKey struct{}

func AttemptFromContext(ctx context.Context) (Attempt, bool) {
	a, ok := ctx.Value(attemptKey{}).(Attempt)
	return a, ok
}

type Guard struct {
	limiter      Limiter
	maxBodyBytes int64
	logger       *zap.Logger
}

func NewGuard(limiter Limiter, maxBodyBytes int64, logger *zap.Logger) *Guard {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	if logger == nil {
		logger = util.Get()
	}
	return &Guard{limiter: limiter, maxBodyBytes: maxBodyBytes, logger: logger.Named("guard")}
}

// Middleware checks the limiter before the wrapped handler runs and records
// the outcome, classified by response status, after it returns.
func (g *Guard) Middleware(cfg GuardConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			address := util.ClientAddress(r)
			identifier := g.extractIdentifier(r, cfg)

			decision := g.limiter.Check(r.Context(), address, identifier)
			if !decision.Allowed {
				g.logger.Info("auth attempt denied",
					zap.String("route", cfg.Name),
					zap.String("scope", string(decision.Scope)),
					zap.String("key", decision.Key),
					zap.Int("retry_after", decision.RetryAfterSeconds()),
				)
				writeDenied(w, decision.Decision)
				return
			}

			attempt := Attempt{
				Route:      cfg.Name,
				Address:    decision.Address.Key,
				Identifier: decision.Identifier.Key,
			}
			if !decision.FailOpen {
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.RemainingAttempts))
			}

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				p := recover()
				g.recordOutcome(cfg, attempt, ww.Status(), p)
				if p != nil {
					panic(p)
				}
			}()
			next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), attemptKey{}, attempt)))
		})
	}
}

// recordOutcome classifies the response and records it unless the route
// skips that outcome. A handler panic counts as a failure, except an aborted
// response whose status was already written.
func (g *Guard) recordOutcome(cfg GuardConfig, attempt Attempt, status int, panicked any) {
	if panicked != nil && (status == 0 || panicked != http.ErrAbortHandler) {
		status = http.StatusInternalServerError
	}
	if status == 0 {
		status = http.StatusOK
	}
	success := status >= 200 && status < 300
	if (success && cfg.SkipSuccess) || (!success && cfg.SkipFailure) {
		return
	}
	g.limiter.RecordAsync(attempt.Address, attempt.Identifier, success)
}

// extractIdentifier peeks at a JSON or form body and restores it for the
// next handler. Bodies larger than maxBodyBytes are passed through unparsed.
func (g *Guard) extractIdentifier(r *http.Request, cfg GuardConfig) string {
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}

	head, err := io.ReadAll(io.LimitReader(r.Body, g.maxBodyBytes+1))
	if err != nil {
		g.logger.Debug("failed to read auth request body", zap.Error(err))
	}
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(head), r.Body), r.Body}

	if err != nil || int64(len(head)) > g.maxBodyBytes {
		return ""
	}

	fields := parseBodyFields(r.Header.Get("Content-Type"), head)
	if v := strings.TrimSpace(fields[cfg.IdentifierField]); v != "" {
		return v
	}
	if cfg.FallbackField != "" {
		return strings.TrimSpace(fields[cfg.FallbackField])
	}
	return ""
}

func parseBodyFields(contentType string, body []byte) map[string]string {
	mediaType, _, _ := mime.ParseMediaType(contentType)

	if mediaType == "application/x-www-form-urlencoded" {
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return nil
		}
		out := make(map[string]string, len(values))
		for k := range values {
			out[k] = values.Get(k)
		}
		return out
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

type deniedResponse struct {
	Error             string     `json:"error"`
	RetryAfter        int        `json:"retryAfter"`
	Message           string     `json:"message"`
	LockedUntil       *time.Time `json:"lockedUntil,omitempty"`
	FailedAttempts    *int       `json:"failedAttempts,omitempty"`
	NextLockoutAt     *int       `json:"nextLockoutAt,omitempty"`
	RemainingAttempts *int       `json:"remainingAttempts,omitempty"`
}

func writeDenied(w http.ResponseWriter, d ratelimit.Decision) {
	retryAfter := d.RetryAfterSeconds()
	body := deniedResponse{
		Error:      "Too many attempts",
		RetryAfter: retryAfter,
		Message:    fmt.Sprintf("Too many failed attempts. Please try again in %s.", humanizeWait(retryAfter)),
	}
	if d.IsLocked {
		body.Message = fmt.Sprintf("Temporarily locked after repeated failed attempts. Please try again in %s.", humanizeWait(retryAfter))
		body.LockedUntil = d.LockedUntil
		body.FailedAttempts = &d.FailedAttempts
		body.RemainingAttempts = &d.RemainingAttempts
		if d.NextLockoutAt > 0 {
			body.NextLockoutAt = &d.NextLockoutAt
		}
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	respondWithJSON(w, http.StatusTooManyRequests, body)
}

// humanizeWait renders a wait in the largest whole unit, rounding up.
func humanizeWait(seconds int) string {
	plural := func(n int, unit string) string {
		if n == 1 {
			return "1 " + unit
		}
		return strconv.Itoa(n) + " " + unit + "s"
	}
	switch {
	case seconds < 60:
		return plural(max(seconds, 1), "second")
	case seconds < 3600:
		return plural((seconds+59)/60, "minute")
	default:
		return plural((seconds+3599)/3600, "hour")
	}
}
