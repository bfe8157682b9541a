// Package grpc is the gRPC transport of the auth server. Messages travel as
// JSON (see jsonCodec) under the service name shopkeeper.auth.v1.AuthService.
package grpc

import (
	"context"
	"net"

	"github.com/dmitrijs2005/shopkeeper/internal/logging"
	"github.com/dmitrijs2005/shopkeeper/internal/server/auth"
	"github.com/dmitrijs2005/shopkeeper/internal/server/models"
	"github.com/dmitrijs2005/shopkeeper/internal/server/services"
	"github.com/ulule/limiter/v3"
	"google.golang.org/grpc"
)

// Sessions is the part of services.SessionService exposed over gRPC.
type Sessions interface {
	Register(ctx context.Context, in services.RegisterInput) (*models.User, error)
	Login(ctx context.Context, email, password string) (*services.TokenPair, error)
	Refresh(ctx context.Context, accessToken, refreshToken string) (*services.TokenPair, error)
	SignOut(ctx context.Context, userID string) error
	ChangePassword(ctx context.Context, userID, current, next string) error
}

// TokenAuthenticator verifies an access token's signature and lifetime.
type TokenAuthenticator interface {
	Authenticate(token string) (auth.ClaimSet, error)
}

// Gate decides whether authenticated claims still belong to a live session.
type Gate interface {
	Check(ctx context.Context, claims auth.ClaimSet) error
}

// RPCObserver counts finished calls.
type RPCObserver interface {
	ObserveRPC(method, code string)
}

type GRPCServer struct {
	address  string
	sessions Sessions
	tokens   TokenAuthenticator
	gate     Gate
	observer RPCObserver
	limiter  *limiter.Limiter
	logger   logging.Logger
}

func NewGRPCServer(a string, l logging.Logger, s Sessions, t TokenAuthenticator, g Gate) *GRPCServer {
	return &GRPCServer{
		address:  a,
		logger:   l.With("module", "grpc_server"),
		sessions: s,
		tokens:   t,
		gate:     g,
	}
}

// WithObserver sets the call counter and returns s.
func (s *GRPCServer) WithObserver(o RPCObserver) *GRPCServer {
	s.observer = o
	return s
}

func (s *GRPCServer) newServer() *grpc.Server {
	srv := grpc.NewServer(
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.ChainUnaryInterceptor(s.observeInterceptor, s.rateLimitInterceptor, s.accessTokenInterceptor),
	)
	RegisterAuthServiceServer(srv, &authService{sessions: s.sessions, logger: s.logger})
	return srv
}

func (s *GRPCServer) Run(ctx context.Context) error {

	// announces address
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}

	srv := s.newServer()

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gRPC server...")
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", listen.Addr().String())

	// starts accepting incoming connections
	if err := srv.Serve(listen); err != nil {
		return err
	}

	return nil
}
