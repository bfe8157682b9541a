package grpc

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/dmitrijs2005/shopkeeper/internal/common"
	"github.com/dmitrijs2005/shopkeeper/internal/server/auth"
	"github.com/dmitrijs2005/shopkeeper/internal/server/config"
	"github.com/dmitrijs2005/shopkeeper/internal/server/passwords"
	"github.com/dmitrijs2005/shopkeeper/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/shopkeeper/internal/server/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func TestToStatus(t *testing.T) {
	dup := &common.ValidationError{Err: common.ErrorAlreadyExists}
	dup.Add("email", "is already taken")

	tests := []struct {
		err  error
		want codes.Code
	}{
		{common.NewValidationError(common.FieldError{Field: "password", Message: "is required"}), codes.InvalidArgument},
		{dup, codes.AlreadyExists},
		{common.ErrorLockedOut, codes.Unauthenticated},
		{common.ErrorUnauthorized, codes.Unauthenticated},
		{common.ErrorForbidden, codes.PermissionDenied},
		{common.ErrorNotFound, codes.NotFound},
		{common.ErrConcurrencyConflict, codes.Aborted},
		{errors.New("db exploded"), codes.Internal},
	}
	for _, tt := range tests {
		got := toStatus(tt.err)
		if status.Code(got) != tt.want {
			t.Fatalf("toStatus(%v) = %v, want %v", tt.err, status.Code(got), tt.want)
		}
	}
	if msg := status.Convert(toStatus(errors.New("db exploded"))).Message(); msg != "internal error" {
		t.Fatalf("internal detail leaked: %q", msg)
	}
}

// startBufServer runs the full service stack on an in-memory listener.
func startBufServer(t *testing.T) *Client {
	t.Helper()
	cfg := &config.Config{}
	cfg.LoadDefaults()

	repos := repomanager.NewMemoryRepositoryManager()
	signer := auth.NewSigner(auth.SignerOptions{Key: []byte("grpc-test-key-grpc-test-key-grpc"), Issuer: cfg.Issuer, Audience: cfg.Audience})
	svc := services.NewSessionService(repos, passwords.NewHasher(1000), signer, services.OptionsFromConfig(cfg), nopLogger{})
	gate := services.NewAuthorizationGate(repos, nopLogger{})

	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCServer("bufnet", nopLogger{}, svc, signer, gate).newServer()
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewClient(conn)
}

func TestAuthService_EndToEnd(t *testing.T) {
	c := startBufServer(t)
	ctx := context.Background()

	reg, err := c.Register(ctx, &RegisterRequest{Email: "ivy@example.com", Password: "secret-pw", DateOfBirth: "1985-12-24"})
	require.NoError(t, err)
	assert.NotEmpty(t, reg.ID)
	assert.Equal(t, "ivy@example.com", reg.UserName)

	_, err = c.Register(ctx, &RegisterRequest{Email: "IVY@example.com", Password: "secret-pw"})
	assert.Equal(t, codes.AlreadyExists, status.Code(err))

	_, err = c.Register(ctx, &RegisterRequest{Email: "jon@example.com", Password: "secret-pw", DateOfBirth: "24.12.1985"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = c.Login(ctx, &LoginRequest{Email: "ivy@example.com", Password: "wrong-pw"})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	tok, err := c.Login(ctx, &LoginRequest{Email: "ivy@example.com", Password: "secret-pw"})
	require.NoError(t, err)

	next, err := c.Refresh(ctx, &RefreshRequest{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken})
	require.NoError(t, err)
	assert.NotEqual(t, tok.RefreshToken, next.RefreshToken)

	_, err = c.Refresh(ctx, &RefreshRequest{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken})
	assert.Equal(t, codes.Unauthenticated, status.Code(err), "refresh token is single use")

	err = c.ChangePassword(ctx, next.AccessToken, &ChangePasswordRequest{CurrentPassword: "secret-pw", NewPassword: "123"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	require.NoError(t, c.ChangePassword(ctx, next.AccessToken, &ChangePasswordRequest{CurrentPassword: "secret-pw", NewPassword: "another-pw"}))

	err = c.SignOut(ctx, next.AccessToken)
	assert.Equal(t, codes.Unauthenticated, status.Code(err), "password change revoked the token")

	tok, err = c.Login(ctx, &LoginRequest{Email: "ivy@example.com", Password: "another-pw"})
	require.NoError(t, err)
	require.NoError(t, c.SignOut(ctx, tok.AccessToken))

	err = c.SignOut(ctx, "")
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}
