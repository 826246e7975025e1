package authz

import (
	"github.com/golang-jwt/jwt/v5"
)

// Wildcard is the target granting access to every target.
const Wildcard = "*"

// Role selects which section of the claims applies.
type Role int

const (
	// Publisher is the role of a caller pushing updates
	Publisher Role = iota

	// Subscriber is the role of a caller opening an event stream
	Subscriber
)

// String returns the claim section name of the role.
func (r Role) String() string {
	if r == Publisher {
		return "publish"
	}
	return "subscribe"
}

// MercureClaim is the hub-specific section of the token payload.
type MercureClaim struct {
	Publish   []string `json:"publish,omitempty"`
	Subscribe []string `json:"subscribe,omitempty"`
}

// Claims represents the verified token payload.
// A nil *Claims is an anonymous caller.
type Claims struct {
	Mercure *MercureClaim `json:"mercure,omitempty"`
	jwt.RegisteredClaims
}

// Scope is the set of targets a caller is allowed to publish to or receive from.
// Targets is nil iff All is set. An empty Targets with All unset means public updates only.
type Scope struct {
	All     bool
	Targets []string
}

// Contains reports whether target is within the scope.
func (s Scope) Contains(target string) bool {
	if s.All {
		return true
	}
	for _, t := range s.Targets {
		if t == target {
			return true
		}
	}
	return false
}

// AuthorizedTargets derives the scope granted by claims for the given role.
// Anonymous callers and claims without a hub section get public updates only.
func AuthorizedTargets(claims *Claims, role Role) Scope {
	if claims == nil || claims.Mercure == nil {
		return Scope{All: false, Targets: []string{}}
	}

	provided := claims.Mercure.Subscribe
	if role == Publisher {
		provided = claims.Mercure.Publish
	}

	for _, target := range provided {
		if target == Wildcard {
			return Scope{All: true, Targets: nil}
		}
	}

	if provided == nil {
		provided = []string{}
	}
	return Scope{All: false, Targets: provided}
}
