package http

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"

	"github.com/cimillas/ultimate-ticket/services/tickets/internal/domain"
)

// SessionCookie carries the token for browser clients that do not send an
// Authorization header.
const SessionCookie = "jwt"

var (
	errMissingToken  = errors.New("missing token")
	errBadAuthHeader = errors.New("bad auth header")
)

// Authenticator resolves the caller of a request.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// JWTAuthenticator accepts HS256 tokens signed with a shared key and, when a JWKS is
// configured, RS256 tokens from the identity provider. The caller id comes from the
// "id" claim, or "sub" when "id" is absent.
type JWTAuthenticator struct {
	key    []byte
	jwks   *keyfunc.JWKS
	parser *jwt.Parser
}

func NewJWTAuthenticator(key []byte, jwks *keyfunc.JWKS) *JWTAuthenticator {
	var methods []string
	if len(key) > 0 {
		methods = append(methods, "HS256")
	}
	if jwks != nil {
		methods = append(methods, "RS256")
	}
	return &JWTAuthenticator{
		key:    key,
		jwks:   jwks,
		parser: jwt.NewParser(jwt.WithValidMethods(methods)),
	}
}

func (a *JWTAuthenticator) Authenticate(r *http.Request) (string, error) {
	raw, err := tokenFromRequest(r)
	if err != nil {
		return "", err
	}

	token, err := a.parser.Parse(raw, a.keyFor)
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}
	if id, ok := claims["id"].(string); ok && id != "" {
		return id, nil
	}
	if sub, ok := claims["sub"].(string); ok && sub != "" {
		return sub, nil
	}
	return "", errors.New("token has no subject")
}

func (a *JWTAuthenticator) keyFor(t *jwt.Token) (any, error) {
	switch t.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if len(a.key) == 0 {
			return nil, errors.New("shared key not configured")
		}
		return a.key, nil
	default:
		if a.jwks == nil {
			return nil, errors.New("jwks not configured")
		}
		return a.jwks.Keyfunc(t)
	}
}

func tokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return "", errBadAuthHeader
		}
		token = strings.TrimSpace(token)
		if token == "" || strings.Count(token, ".") != 2 {
			return "", errBadAuthHeader
		}
		return token, nil
	}
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return c.Value, nil
	}
	return "", errMissingToken
}

type callerKey struct{}

func withCallerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, callerKey{}, id)
}

// CallerID returns the authenticated caller stored by RequireUser.
func CallerID(ctx context.Context) string {
	id, _ := ctx.Value(callerKey{}).(string)
	return id
}

// RequireUser rejects requests without a valid token with 401.
func RequireUser(auth Authenticator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := auth.Authenticate(r)
		if err != nil || id == "" {
			writeError(w, http.StatusUnauthorized, codeUnauthenticated, domain.ErrUnauthenticated.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(withCallerID(r.Context(), id)))
	})
}
