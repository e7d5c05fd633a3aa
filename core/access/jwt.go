package access

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"
	"github.com/relabs-tech/devicemanager/core/logger"
)

// CookieName is the cookie which may carry the JWT instead of the Authorization header
const CookieName = "DeviceManager-JWT"

// Claims are the JWT claims understood by the portal
type Claims struct {
	Email string   `json:"email,omitempty"`
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// JwtMiddlewareBuilder is a helper builder for JwtMiddleware
type JwtMiddlewareBuilder struct {
	// Secret is the HMAC secret the tokens are signed with
	Secret []byte
	// Issuer is the accepted issuer for the token. Empty accepts any issuer.
	Issuer string
	// Accounts optionally resolves roles for identities whose token carries none
	Accounts *Accounts
}

// NewJwtMiddleware returns a middleware handler to validate
// JWT bearer token.
//
// Tokens are accepted as "Authorization: Bearer" header or as "DeviceManager-JWT" cookie.
// The identity of a token is its email claim, or its subject if there is no email.
//
// This is a final handler with regards to the bearer token. It will return
// http.StatusUnauthorized when a token is available but invalid.
func NewJwtMiddleware(jmb *JwtMiddlewareBuilder) mux.MiddlewareFunc {
	if len(jmb.Secret) == 0 {
		panic("Secret is missing")
	}
	authCache := NewAuthorizationCache()

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return jmb.Secret, nil
	}

	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if AuthorizationFromContext(r.Context()) != nil { // already authorized?
				h.ServeHTTP(w, r)
				return
			}
			tokenString := tokenFromRequest(r)
			if len(tokenString) == 0 {
				h.ServeHTTP(w, r) // no token no auth, moving on
				return
			}
			rlog := logger.FromContext(r.Context())

			auth := authCache.Read(tokenString)
			if auth == nil {
				var claims Claims
				token, err := jwt.ParseWithClaims(tokenString, &claims, keyFunc)
				if err != nil || !token.Valid || (jmb.Issuer != "" && claims.Issuer != jmb.Issuer) {
					rlog.WithError(err).Debugln("rejected bearer token")
					http.Error(w, "invalid token", http.StatusUnauthorized)
					return
				}
				identity := claims.Email
				if identity == "" {
					identity = claims.Subject
				}
				auth = &Authorization{Identity: identity, Roles: claims.Roles}
				if len(auth.Roles) == 0 && jmb.Accounts != nil {
					roles, err := jmb.Accounts.Roles(r.Context(), identity)
					if err != nil {
						rlog.WithError(err).Errorln("Error 4723: cannot look up account")
						http.Error(w, "Error 4723", http.StatusInternalServerError)
						return
					}
					auth.Roles = roles
				}
				if claims.ExpiresAt == nil || time.Until(claims.ExpiresAt.Time) > time.Minute {
					authCache.Write(tokenString, auth)
				}
			}
			ctx, _ := logger.ContextWithLoggerIdentity(r.Context(), auth.Identity)
			ctx = auth.ContextWithAuthorization(ctx)
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IssueToken creates a signed token for the given identity and roles
func IssueToken(secret []byte, issuer, identity string, roles []string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("no secret")
	}
	now := time.Now()
	claims := Claims{
		Email: identity,
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   identity,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// NewAuthorizationDisabledMiddleware authorizes every request as admin. It is
// used when the portal runs with authorization turned off.
func NewAuthorizationDisabledMiddleware() mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if AuthorizationFromContext(r.Context()) == nil {
				r = r.WithContext(AdminAuthorization().ContextWithAuthorization(r.Context()))
			}
			h.ServeHTTP(w, r)
		})
	}
}

func tokenFromRequest(r *http.Request) string {
	bearer := r.Header.Get("Authorization")
	if len(bearer) > 0 && bearer != "null" {
		if len(bearer) >= 8 && strings.ToLower(bearer[:7]) == "bearer " {
			return bearer[7:]
		}
		return bearer
	}
	if cookie, _ := r.Cookie(CookieName); cookie != nil {
		return cookie.Value
	}
	return ""
}
