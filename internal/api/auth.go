package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hackgods/clinic-booking/internal/identity"
)

// Claims are the identity token claims: sub is the actor id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

var errInvalidToken = errors.New("invalid token")

// SignToken issues an HMAC-signed identity token for actor.
func SignToken(secret string, actor identity.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: string(actor.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func parseToken(secret, raw string) (identity.Actor, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	}, jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return identity.Actor{}, errInvalidToken
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return identity.Actor{}, errInvalidToken
	}
	role := identity.Role(claims.Role)
	if !role.Valid() {
		return identity.Actor{}, errInvalidToken
	}
	return identity.Actor{ID: id, Role: role}, nil
}

// Authenticate verifies the bearer token and puts the actor on the context.
func Authenticate(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				writeFailure(w, http.StatusUnauthorized, "Not Authorized Login Again")
				return
			}
			actor, err := parseToken(secret, strings.TrimPrefix(auth, "Bearer "))
			if err != nil {
				writeFailure(w, http.StatusUnauthorized, "Not Authorized Login Again")
				return
			}
			noteActor(r.Context(), actor)
			next.ServeHTTP(w, r.WithContext(identity.WithActor(r.Context(), actor)))
		})
	}
}

// RequireRole rejects actors whose role is not one of roles. It must run
// after Authenticate.
func RequireRole(roles ...identity.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := identity.FromContext(r.Context())
			if !ok {
				writeFailure(w, http.StatusUnauthorized, "Not Authorized Login Again")
				return
			}
			for _, role := range roles {
				if actor.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeFailure(w, http.StatusForbidden, "forbidden")
		})
	}
}
