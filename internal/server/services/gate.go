package services

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/dmitrijs2005/shopkeeper/internal/common"
	"github.com/dmitrijs2005/shopkeeper/internal/logging"
	"github.com/dmitrijs2005/shopkeeper/internal/server/auth"
	"github.com/dmitrijs2005/shopkeeper/internal/server/repositories/repomanager"
)

// AuthorizationGate checks, once per protected request, that an
// authenticated access token still matches the live user: the user exists,
// is not locked out and carries the security stamp embedded in the token.
type AuthorizationGate struct {
	repos    repomanager.RepositoryManager
	logger   logging.Logger
	recorder Recorder
	now      func() time.Time
}

func NewAuthorizationGate(m repomanager.RepositoryManager, l logging.Logger) *AuthorizationGate {
	return &AuthorizationGate{
		repos:    m,
		logger:   l.With("module", "authorization_gate"),
		recorder: nopRecorder{},
		now:      time.Now,
	}
}

// WithRecorder sets the outcome recorder and returns g.
func (g *AuthorizationGate) WithRecorder(r Recorder) *AuthorizationGate {
	g.recorder = r
	return g
}

// Check returns nil when the token behind claims is still live. Every denial
// is common.ErrorUnauthorized, whatever the reason; a store failure is
// common.ErrorInternal.
func (g *AuthorizationGate) Check(ctx context.Context, claims auth.ClaimSet) error {
	sub := claims.Subject()
	stamp, _ := claims.First(auth.ClaimSecurityStamp)
	if sub == "" || stamp == "" {
		return g.deny()
	}

	user, err := g.repos.Users().FindByID(ctx, sub)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return g.deny()
		}
		g.recorder.AuthEvent(EventGate, OutcomeError)
		g.logger.Error(ctx, "gate lookup failed", "user_id", sub, "error", err)
		return common.ErrorInternal
	}

	if user.IsLockedOut(g.now()) {
		return g.deny()
	}
	if subtle.ConstantTimeCompare([]byte(stamp), []byte(user.SecurityStamp)) != 1 {
		return g.deny()
	}

	g.recorder.AuthEvent(EventGate, OutcomeSuccess)
	return nil
}

func (g *AuthorizationGate) deny() error {
	g.recorder.AuthEvent(EventGate, OutcomeFailure)
	return common.ErrorUnauthorized
}
