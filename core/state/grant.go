package state

import (
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// Op is a permitted state operation inside a grant.
type Op string

const (
	OpRead  Op = "read"
	OpWrite Op = "write"

	grantIssuer = "ap-bundler"
	grantAlg    = "HS256"
)

// Grant is the capability token a module presents on every state access. It
// names the module, the keys it may touch and the operations it may perform.
// Grants are issued once at startup per module, never per call.
type Grant struct {
	Module string
	token  string
}

type grantClaims struct {
	jwt.RegisteredClaims
	Keys []string `json:"keys"`
	Ops  []string `json:"ops"`
}

// IssueGrant signs a capability for module over the given keys and ops.
func (s *Store) IssueGrant(module string, keys []Key, ops []Op) (*Grant, error) {
	claims := grantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   grantIssuer,
			Subject:  module,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	for _, k := range keys {
		claims.Keys = append(claims.Keys, string(k))
	}
	for _, op := range ops {
		claims.Ops = append(claims.Ops, string(op))
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("cannot sign state grant for %s: %w", module, err)
	}

	return &Grant{Module: module, token: token}, nil
}

// verify checks the grant signature and that it covers op over every
// requested key. A nil grant is always rejected.
func (s *Store) verify(g *Grant, op Op, keys []Key) error {
	if g == nil {
		return fmt.Errorf("state access without a grant")
	}

	var claims grantClaims
	token, err := jwt.ParseWithClaims(g.token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		if t.Header["alg"] != grantAlg {
			return nil, fmt.Errorf("invalid signing algorithm")
		}
		return s.secret, nil
	})
	if err != nil {
		return fmt.Errorf("invalid state grant for %s: %w", g.Module, err)
	}
	if !token.Valid || claims.Issuer != grantIssuer {
		return fmt.Errorf("invalid state grant for %s", g.Module)
	}

	permittedOp := false
	for _, o := range claims.Ops {
		if Op(o) == op {
			permittedOp = true
			break
		}
	}
	if !permittedOp {
		return fmt.Errorf("module %s lacks %s permission", g.Module, op)
	}

	permitted := make(map[string]bool, len(claims.Keys))
	for _, k := range claims.Keys {
		permitted[k] = true
	}
	for _, k := range keys {
		if !permitted[string(k)] {
			return fmt.Errorf("module %s has no grant for state key %q", g.Module, k)
		}
	}
	return nil
}
