package services

import (
	"context"
	"testing"
	"time"

	"github.com/dmitrijs2005/shopkeeper/internal/common"
	"github.com/dmitrijs2005/shopkeeper/internal/server/auth"
	"github.com/dmitrijs2005/shopkeeper/internal/server/models"
	"github.com/stretchr/testify/require"
)

func TestGate_Check(t *testing.T) {
	f := newFixture(t)
	u := f.register(t, testEmail)
	ctx := context.Background()

	pair, err := f.svc.Login(ctx, testEmail, testPassword)
	require.NoError(t, err)
	live := f.claims(t, pair.AccessToken)
	stamp, _ := live.First(auth.ClaimSecurityStamp)

	tests := []struct {
		name   string
		claims auth.ClaimSet
		want   error
	}{
		{"live token", live, nil},
		{"no subject", auth.ClaimSet{{Type: auth.ClaimSecurityStamp, Value: stamp}}, common.ErrorUnauthorized},
		{"no stamp", auth.ClaimSet{{Type: auth.ClaimSubject, Value: u.ID}}, common.ErrorUnauthorized},
		{"unknown user", auth.ClaimSet{{Type: auth.ClaimSubject, Value: "ghost"}, {Type: auth.ClaimSecurityStamp, Value: stamp}}, common.ErrorUnauthorized},
		{"stale stamp", auth.ClaimSet{{Type: auth.ClaimSubject, Value: u.ID}, {Type: auth.ClaimSecurityStamp, Value: u.SecurityStamp}}, common.ErrorUnauthorized},
		{"empty", nil, common.ErrorUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.gate.Check(ctx, tt.claims); got != tt.want {
				t.Fatalf("Check() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGate_LockedOutUserDenied(t *testing.T) {
	f := newFixture(t)
	u := f.register(t, testEmail)
	ctx := context.Background()

	pair, err := f.svc.Login(ctx, testEmail, testPassword)
	require.NoError(t, err)
	claims := f.claims(t, pair.AccessToken)

	// a lockout on its own leaves the stamp alone
	_, err = f.svc.mutate(ctx, f.repos.Users(), u.ID, func(m *models.User) error {
		end := f.clock.Now().Add(time.Minute)
		m.LockoutEnd = &end
		return nil
	})
	require.NoError(t, err)

	if err := f.gate.Check(ctx, claims); err != common.ErrorUnauthorized {
		t.Fatalf("expected ErrorUnauthorized during lockout, got %v", err)
	}

	f.clock.Advance(2 * time.Minute)
	if err := f.gate.Check(ctx, claims); err != nil {
		t.Fatalf("expected access after lockout ends, got %v", err)
	}
}

func TestGate_DeletedUserDenied(t *testing.T) {
	f := newFixture(t)
	u := f.register(t, testEmail)
	ctx := context.Background()

	pair, err := f.svc.Login(ctx, testEmail, testPassword)
	require.NoError(t, err)
	claims := f.claims(t, pair.AccessToken)

	require.NoError(t, f.svc.DeleteAccount(ctx, u.ID))
	if err := f.gate.Check(ctx, claims); err != common.ErrorUnauthorized {
		t.Fatalf("expected ErrorUnauthorized, got %v", err)
	}
	if n := f.recorder.count(EventGate, OutcomeFailure); n != 1 {
		t.Fatalf("expected one gate failure recorded, got %d", n)
	}
}
