package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	id "salecore/pkg/domain"
	"salecore/pkg/requestcontext"
)

// BuyerTokenValidator validates a buyer bearer token and returns the buyer
// identity it asserts. Tokens are issued by the identity service; this core
// only verifies them.
type BuyerTokenValidator interface {
	Validate(tokenString string) (id.BuyerID, error)
}

// HMACValidator verifies HS256 tokens signed with a shared key. The buyer ID
// is the token subject.
type HMACValidator struct {
	signingKey []byte
}

// NewHMACValidator creates a validator for the given signing key.
func NewHMACValidator(signingKey string) *HMACValidator {
	return &HMACValidator{signingKey: []byte(signingKey)}
}

// Validate implements BuyerTokenValidator.
func (v *HMACValidator) Validate(tokenString string) (id.BuyerID, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.signingKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return id.BuyerID{}, fmt.Errorf("parse token: %w", err)
	}
	sub, err := token.Claims.GetSubject()
	if err != nil {
		return id.BuyerID{}, fmt.Errorf("token subject: %w", err)
	}
	return id.ParseBuyerID(sub)
}

// RequireBuyer rejects requests without a valid buyer bearer token and puts
// the buyer ID into the request context.
func RequireBuyer(validator BuyerTokenValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const bearerPrefix = "Bearer "
			authHeader := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(authHeader, bearerPrefix)
			if !ok || token == "" {
				unauthorized(w, "missing or malformed Authorization header")
				return
			}
			buyerID, err := validator.Validate(token)
			if err != nil {
				logger.WarnContext(r.Context(), "rejected buyer token",
					"error", err,
					"request_id", requestcontext.RequestID(r.Context()),
				)
				unauthorized(w, "invalid or expired token")
				return
			}
			ctx := requestcontext.WithBuyerID(r.Context(), buyerID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized","error_description":"` + description + `"}`))
}
