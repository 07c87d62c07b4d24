package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var errNoToken = errors.New("missing bearer token")

// Authenticator проверяет bearer-токены HS256, выпущенные бэкендом.
type Authenticator struct {
	secret   []byte
	audience string
}

// NewAuthenticator возвращает nil, если секрет пуст: проверка выключена.
func NewAuthenticator(secret, audience string) *Authenticator {
	if secret == "" {
		return nil
	}
	return &Authenticator{secret: []byte(secret), audience: audience}
}

// Verify разбирает токен и возвращает subject.
func (a *Authenticator) Verify(tokenString string) (string, error) {
	if strings.TrimSpace(tokenString) == "" {
		return "", errNoToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}
	claims := jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("api: verify token: %w", err)
	}
	if !token.Valid {
		return "", errors.New("api: verify token: invalid token")
	}
	return claims.Subject, nil
}

// Middleware пропускает запрос только с валидным токеном. Для WebSocket, где браузер
// не умеет ставить заголовки, токен принимается из параметра access_token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	if a == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		sub, err := a.Verify(bearerToken(r))
		if err != nil {
			logDebugf("api: reject %s %s: %v", r.Method, r.URL.Path, err)
			w.Header().Set("WWW-Authenticate", `Bearer realm="tankwatch"`)
			writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
			return
		}
		logDebugf("api: %s %s authorized sub=%q", r.Method, r.URL.Path, sub)
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "bearer "
		if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
			return strings.TrimSpace(h[len(prefix):])
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}
