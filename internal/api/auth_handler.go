package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/phrazzld/dispatchd/internal/api/shared"
	"github.com/phrazzld/dispatchd/internal/config"
	"github.com/phrazzld/dispatchd/internal/service/auth"
)

// AuthHandler handles authentication-related API requests.
type AuthHandler struct {
	authConfig  config.AuthConfig
	jwtService  auth.JWTService
	keyVerifier auth.KeyVerifier
	validator   *validator.Validate
}

// NewAuthHandler creates a new AuthHandler with the given dependencies.
func NewAuthHandler(
	authConfig config.AuthConfig,
	jwtService auth.JWTService,
	keyVerifier auth.KeyVerifier,
) *AuthHandler {
	return &AuthHandler{
		authConfig:  authConfig,
		jwtService:  jwtService,
		keyVerifier: keyVerifier,
		validator:   validator.New(),
	}
}

// Token handles the /api/auth/token endpoint. It exchanges the configured
// API key for a short-lived access token.
func (h *AuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest

	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Validation error: api_key is required")
		return
	}

	if err := h.keyVerifier.Verify(h.authConfig.APIKeyHash, req.APIKey); err != nil {
		shared.RespondWithError(w, r, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	token, err := h.jwtService.GenerateToken(r.Context(), "management-api")
	if err != nil {
		slog.Error("failed to generate token", "error", err)
		shared.RespondWithErrorAndLog(w, r, http.StatusInternalServerError,
			"Failed to generate authentication token", err)
		return
	}

	expiresAt := time.Now().
		Add(time.Duration(h.authConfig.TokenLifetimeMinutes) * time.Minute).
		UTC().Format(time.RFC3339)

	shared.RespondWithJSON(w, r, http.StatusOK, TokenResponse{
		AccessToken: token,
		ExpiresAt:   expiresAt,
	})
}
