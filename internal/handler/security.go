package handler

import (
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/promo-engine/internal/domain/auth"
)

// APIKeyHeader carries the caller's API key.
const APIKeyHeader = "api_key"

// SecurityHandler authenticates API requests via HMAC-SHA256 hashed API keys.
type SecurityHandler struct {
	apikeys auth.Repository
	pepper  []byte
}

// NewSecurityHandler creates a SecurityHandler with the given API key
// repository and HMAC pepper.
func NewSecurityHandler(apikeys auth.Repository, pepper []byte) *SecurityHandler {
	return &SecurityHandler{
		apikeys: apikeys,
		pepper:  pepper,
	}
}

// Authenticate looks up the key by its HMAC and compares the stored hash in
// constant time.
func (s *SecurityHandler) Authenticate(r *http.Request) (*auth.APIKeyInfo, error) {
	key := r.Header.Get(APIKeyHeader)
	if key == "" {
		return nil, auth.ErrKeyNotFound
	}
	hexHash := auth.HashKey(key, s.pepper)

	info, err := s.apikeys.FindByHash(r.Context(), hexHash)
	if err != nil {
		return nil, err
	}

	computed, err := hex.DecodeString(hexHash)
	if err != nil {
		return nil, errors.Wrap(err, "decode computed hash")
	}
	stored, err := hex.DecodeString(info.KeyHash)
	if err != nil {
		return nil, auth.ErrKeyNotFound
	}
	if subtle.ConstantTimeCompare(computed, stored) != 1 {
		return nil, auth.ErrKeyNotFound
	}
	return info, nil
}

// Require returns a middleware that rejects requests without a valid key
// granted scope.
func (s *SecurityHandler) Require(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info, err := s.Authenticate(r)
			if err != nil {
				if !errors.Is(err, auth.ErrKeyNotFound) {
					zctx.From(r.Context()).Error("API key lookup failed", zap.Error(err))
				}
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			if !info.HasScope(scope) {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
