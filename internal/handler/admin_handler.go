package handler

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"chat-auth-guard/internal/models"
	"chat-auth-guard/internal/ratelimit"
	"chat-auth-guard/internal/util"
)

// Inspector reads a scope's record and its current decision.
type Inspector interface {
	Inspect(ctx context.Context, scope models.ScopeType, key string) (*models.RateLimitRecord, ratelimit.Decision, error)
}

type AdminHandler struct {
	inspector Inspector
	token     string
}

func NewAdminHandler(inspector Inspector, token string) *AdminHandler {
	return &AdminHandler{inspector: inspector, token: token}
}

type decisionView struct {
	Allowed             bool       `json:"allowed"`
	RetryAfter          int        `json:"retryAfter"`
	IsLocked            bool       `json:"isLocked"`
	LockedUntil         *time.Time `json:"lockedUntil,omitempty"`
	LockoutLevel        int        `json:"lockoutLevel"`
	FailedAttempts      int        `json:"failedAttempts"`
	TotalFailedAttempts int        `json:"totalFailedAttempts"`
	RemainingAttempts   int        `json:"remainingAttempts"`
	NextLockoutAt       int        `json:"nextLockoutAt,omitempty"`
}

type inspection struct {
	Scope    models.ScopeType        `json:"scope"`
	Key      string                  `json:"key"`
	Record   *models.RateLimitRecord `json:"record"`
	Decision decisionView            `json:"decision"`
}

func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Route("/internal", func(r chi.Router) {
		r.Use(h.requireToken)
		r.Get("/rate-limits/{scope}/{key}", h.GetRateLimit)
	})
}

// requireToken hides the admin surface entirely when no token is configured.
func (h *AdminHandler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.token == "" {
			respondWithError(w, http.StatusNotFound, "endpoint not found", "")
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
			respondWithError(w, http.StatusUnauthorized, "unauthorized", "A valid admin token is required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *AdminHandler) GetRateLimit(w http.ResponseWriter, r *http.Request) {
	scope, err := models.ParseScopeType(chi.URLParam(r, "scope"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid scope", "Scope must be address or identifier")
		return
	}
	key := chi.URLParam(r, "key")

	rec, d, err := h.inspector.Inspect(r.Context(), scope, key)
	if err != nil {
		util.Error("Failed to inspect rate limit record",
			zap.String("scope", string(scope)),
			zap.String("key", key),
			zap.Error(err))
		respondWithError(w, http.StatusServiceUnavailable, "store unavailable", "Failed to read rate limit state")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(inspection{
		Scope:  scope,
		Key:    d.Key,
		Record: rec,
		Decision: decisionView{
			Allowed:             d.Allowed,
			RetryAfter:          d.RetryAfterSeconds(),
			IsLocked:            d.IsLocked,
			LockedUntil:         d.LockedUntil,
			LockoutLevel:        d.LockoutLevel,
			FailedAttempts:      d.FailedAttempts,
			TotalFailedAttempts: d.TotalFailedAttempts,
			RemainingAttempts:   d.RemainingAttempts,
			NextLockoutAt:       d.NextLockoutAt,
		},
	}, "rate limit state"))
}
