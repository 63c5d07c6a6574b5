package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/phrazzld/dispatchd/internal/config"
	"github.com/phrazzld/dispatchd/internal/service/auth"
)

func newAuthHandler(t *testing.T) *AuthHandler {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte("test-api-key"), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := config.AuthConfig{
		JWTSecret:            "thisisasecretkeythatis32charslong!!",
		APIKeyHash:           string(hash),
		TokenLifetimeMinutes: 15,
	}

	jwtService, err := auth.NewJWTService(cfg)
	require.NoError(t, err)

	return NewAuthHandler(cfg, jwtService, auth.NewBcryptVerifier())
}

func postToken(h *AuthHandler, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/auth/token", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.Token(rec, req)
	return rec
}

func TestTokenExchange(t *testing.T) {
	h := newAuthHandler(t)

	body, err := json.Marshal(TokenRequest{APIKey: "test-api-key"})
	require.NoError(t, err)

	rec := postToken(h, body)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp TokenResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.ExpiresAt)
}

func TestTokenExchangeFailures(t *testing.T) {
	h := newAuthHandler(t)

	t.Run("wrong key", func(t *testing.T) {
		body, err := json.Marshal(TokenRequest{APIKey: "wrong-key"})
		require.NoError(t, err)

		rec := postToken(h, body)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("missing key", func(t *testing.T) {
		rec := postToken(h, []byte(`{}`))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		rec := postToken(h, []byte(`{`))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
