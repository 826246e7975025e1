package authz

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// CookieName is the cookie holding a token for browsers that cannot set headers.
const CookieName = "mercureAuthorization"

var (
	// ErrMalformedHeader is returned when the Authorization header is not "Bearer <token>"
	ErrMalformedHeader = errors.New(`invalid "Authorization" header`)
	// ErrInvalidToken is returned when a token fails signature or shape verification
	ErrInvalidToken = errors.New("invalid token")
	// ErrMissingOriginContext is returned when a cookie-authorized unsafe request has neither Origin nor Referer
	ErrMissingOriginContext = errors.New(`an "Origin" or a "Referer" HTTP header must be present to use the cookie-based authorization mechanism`)
	// ErrOriginNotAllowed is returned when the request origin is not in the allowed list
	ErrOriginNotAllowed = errors.New("origin is not allowed to post updates")

	// ErrMissingKey is returned when no signing key is configured for a role
	ErrMissingKey = errors.New("missing JWT key")
	// ErrConflictingKeys is returned when a shared key is combined with role-specific keys
	ErrConflictingKeys = errors.New(`"jwt_key" cannot be combined with "publisher_jwt_key" or "subscriber_jwt_key"`)
)

// Keys holds the HMAC keys used to verify and sign tokens.
// Either Shared is set, or both Publisher and Subscriber are.
type Keys struct {
	Shared     []byte
	Publisher  []byte
	Subscriber []byte
}

// Validate checks that the keys are complete and not contradictory.
func (k Keys) Validate() error {
	if len(k.Shared) > 0 {
		if len(k.Publisher) > 0 || len(k.Subscriber) > 0 {
			return ErrConflictingKeys
		}
		return nil
	}
	if len(k.Publisher) == 0 {
		return fmt.Errorf("%w for publishers", ErrMissingKey)
	}
	if len(k.Subscriber) == 0 {
		return fmt.Errorf("%w for subscribers", ErrMissingKey)
	}
	return nil
}

// forRole returns the key verifying tokens of the given role.
func (k Keys) forRole(role Role) []byte {
	if len(k.Shared) > 0 {
		return k.Shared
	}
	if role == Publisher {
		return k.Publisher
	}
	return k.Subscriber
}

// Authorizer verifies tokens carried by requests and signs new ones.
// It is safe for concurrent use; keys can be rotated while serving.
type Authorizer struct {
	mu             sync.RWMutex
	keys           Keys
	allowedOrigins []string
}

// NewAuthorizer creates an Authorizer. allowedOrigins lists the origins that
// may publish using the cookie mechanism.
func NewAuthorizer(keys Keys, allowedOrigins []string) (*Authorizer, error) {
	if err := keys.Validate(); err != nil {
		return nil, err
	}

	return &Authorizer{
		keys:           keys,
		allowedOrigins: append([]string(nil), allowedOrigins...),
	}, nil
}

// SetKeys replaces the verification and signing keys.
func (a *Authorizer) SetKeys(keys Keys) error {
	if err := keys.Validate(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys = keys
	return nil
}

// Authorize extracts and verifies the token of a request.
// It returns nil claims and no error for an anonymous request.
func (a *Authorizer) Authorize(r *http.Request, role Role) (*Claims, error) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		token, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || token == "" {
			return nil, ErrMalformedHeader
		}
		return a.ValidateToken(token, role)
	}

	cookie, err := r.Cookie(CookieName)
	if err != nil || cookie.Value == "" {
		// Anonymous
		return nil, nil
	}

	// CSRF attacks cannot occur with safe methods
	if isSafeMethod(r.Method) {
		return a.ValidateToken(cookie.Value, role)
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		referer := r.Header.Get("Referer")
		if referer == "" {
			return nil, ErrMissingOriginContext
		}

		parsed, err := url.Parse(referer)
		if err != nil {
			return nil, fmt.Errorf("%w: unparsable referer %q", ErrOriginNotAllowed, referer)
		}
		origin = parsed.Scheme + "://" + parsed.Host
	}

	for _, allowed := range a.allowedOrigins {
		if allowed == origin {
			return a.ValidateToken(cookie.Value, role)
		}
	}

	return nil, fmt.Errorf("%w: %q", ErrOriginNotAllowed, origin)
}

// ValidateToken verifies a raw token string with the key of the given role.
func (a *Authorizer) ValidateToken(tokenString string, role Role) (*Claims, error) {
	a.mu.RLock()
	key := a.keys.forRole(role)
	a.mu.RUnlock()

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Verify signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// GenerateToken signs a token carrying the given hub claim with the key of role.
func (a *Authorizer) GenerateToken(claim MercureClaim, role Role) (string, error) {
	a.mu.RLock()
	key := a.keys.forRole(role)
	a.mu.RUnlock()

	claims := Claims{Mercure: &claim}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to create token: %w", err)
	}

	return tokenString, nil
}

// GeneratePublishToken signs a token allowing to publish to targets.
func (a *Authorizer) GeneratePublishToken(targets []string) (string, error) {
	return a.GenerateToken(MercureClaim{Publish: nonNil(targets)}, Publisher)
}

// GenerateSubscribeToken signs a token allowing to receive updates for targets.
func (a *Authorizer) GenerateSubscribeToken(targets []string) (string, error) {
	return a.GenerateToken(MercureClaim{Subscribe: nonNil(targets)}, Subscriber)
}

func nonNil(targets []string) []string {
	if targets == nil {
		return []string{}
	}
	return targets
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}
