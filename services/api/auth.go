package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"sitecrew/services/membership"
)

// Claims are the bearer token claims; the subject is the user id.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 bearer token for userID.
func IssueToken(secret []byte, issuer, userID, email string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("signing key is required")
	}
	now := time.Now()
	claims := Claims{
		Email: strings.ToLower(email),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

type sessionKey struct{}

func sessionFrom(r *http.Request) membership.Session {
	s, _ := r.Context().Value(sessionKey{}).(membership.Session)
	return s
}

// authenticate turns a valid bearer token into a membership.Session.
func (a *API) authenticate(next http.Handler) http.Handler {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if a.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.config.Issuer))
	}
	parser := jwt.NewParser(opts...)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw := strings.TrimPrefix(header, "Bearer ")
		if header == "" || raw == header {
			respondError(w, http.StatusUnauthorized, errors.New("bearer token required"))
			return
		}

		var claims Claims
		if _, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
			return a.config.SigningKey, nil
		}); err != nil {
			a.log.Debug().Err(err).Str("path", r.URL.Path).Msg("reject token")
			respondError(w, http.StatusUnauthorized, errors.New("invalid or expired token"))
			return
		}
		if claims.Subject == "" {
			respondError(w, http.StatusUnauthorized, errors.New("token has no subject"))
			return
		}

		s := membership.Session{UserID: claims.Subject, Email: claims.Email}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, s)))
	})
}
