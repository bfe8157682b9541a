// Package auth issues and validates HS256 access tokens and generates opaque
// refresh tokens.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dmitrijs2005/shopkeeper/internal/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
)

// RefreshTokenSize is the number of random bytes behind a refresh token.
const RefreshTokenSize = 256

// SignerOptions configures a Signer. Now defaults to time.Now.
type SignerOptions struct {
	Key      []byte
	Issuer   string
	Audience string
	Now      func() time.Time
}

// Signer issues and validates access tokens for one issuer/audience/key triple.
// It holds no mutable state and is safe for concurrent use.
type Signer struct {
	key      []byte
	issuer   string
	audience string
	now      func() time.Time
}

// NewSigner builds a Signer from opts.
func NewSigner(opts SignerOptions) *Signer {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Signer{key: opts.Key, issuer: opts.Issuer, audience: opts.Audience, now: now}
}

// IssueAccessToken signs claims with HS256 and adds iss, aud, iat, nbf = iat,
// exp = iat + ttl and a unique jti. The subject is taken from the sub claim.
// Roles, and any claim type that occurs more than once, are JSON arrays.
func (s *Signer) IssueAccessToken(claims ClaimSet, ttl time.Duration) (string, error) {
	if len(s.key) == 0 {
		return "", errors.New("empty signing key")
	}

	grouped := map[string][]string{}
	for _, c := range claims {
		if _, ok := registered[c.Type]; ok {
			continue
		}
		grouped[c.Type] = append(grouped[c.Type], c.Value)
	}

	mc := jwt.MapClaims{}
	for t, values := range grouped {
		if len(values) == 1 && t != ClaimRole {
			mc[t] = values[0]
			continue
		}
		arr := make([]any, len(values))
		for i, v := range values {
			arr[i] = v
		}
		mc[t] = arr
	}

	now := s.now()
	mc["iss"] = s.issuer
	mc["aud"] = s.audience
	mc["iat"] = jwt.NewNumericDate(now)
	mc["nbf"] = jwt.NewNumericDate(now)
	mc["exp"] = jwt.NewNumericDate(now.Add(ttl))
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("error generating token id: %w", err)
	}
	mc["jti"] = id.String()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, mc).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("error signing token: %w", err)
	}
	return token, nil
}

// ValidateAccessToken checks signature, algorithm (HS256 only), issuer and
// audience but ignores lifetime, so claims can be recovered from an expired
// token during refresh. Any failure is common.ErrInvalidToken.
func (s *Signer) ValidateAccessToken(token string) (ClaimSet, error) {
	p := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	mc, err := s.parse(p, token)
	if err != nil {
		return nil, err
	}

	iss, err := mc.GetIssuer()
	if err != nil || iss != s.issuer {
		return nil, common.ErrInvalidToken
	}
	aud, err := mc.GetAudience()
	if err != nil || !contains(aud, s.audience) {
		return nil, common.ErrInvalidToken
	}
	return toClaimSet(mc), nil
}

// Authenticate is the bearer check for protected requests: everything
// ValidateAccessToken checks plus exp (required), nbf and iat.
func (s *Signer) Authenticate(token string) (ClaimSet, error) {
	p := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	mc, err := s.parse(p, token)
	if err != nil {
		return nil, err
	}
	return toClaimSet(mc), nil
}

func (s *Signer) parse(p *jwt.Parser, token string) (mc jwt.MapClaims, err error) {
	if token == "" || len(s.key) == 0 {
		return nil, common.ErrInvalidToken
	}
	// the parser must never take a request down
	defer func() {
		if recover() != nil {
			mc, err = nil, common.ErrInvalidToken
		}
	}()

	mc = jwt.MapClaims{}
	t, err := p.ParseWithClaims(token, mc, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, common.ErrInvalidToken
		}
		return s.key, nil
	})
	if err != nil || !t.Valid {
		return nil, common.ErrInvalidToken
	}
	return mc, nil
}

// GenerateRefreshToken returns RefreshTokenSize random bytes, base64 encoded.
func GenerateRefreshToken() (string, error) {
	return common.MakeRandBase64String(RefreshTokenSize)
}

func toClaimSet(mc jwt.MapClaims) ClaimSet {
	keys := make([]string, 0, len(mc))
	for k := range mc {
		if _, ok := registered[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var out ClaimSet
	for _, k := range keys {
		switch v := mc[k].(type) {
		case string:
			out = append(out, Claim{Type: k, Value: v})
		case []any:
			for _, item := range v {
				out = append(out, Claim{Type: k, Value: fmt.Sprint(item)})
			}
		case nil:
		default:
			out = append(out, Claim{Type: k, Value: fmt.Sprint(v)})
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
