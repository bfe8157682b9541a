package grpc

import (
	"context"
	"fmt"
	"net"

	"github.com/ulule/limiter/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// limitedMethods are the anonymous calls that accept credentials.
var limitedMethods = map[string]bool{
	MethodRegister: true,
	MethodLogin:    true,
	MethodRefresh:  true,
}

// NewRateLimit builds a per-client limiter over store, which may be shared
// with the HTTP transport. An empty rate returns nil.
func NewRateLimit(rate string, store limiter.Store) (*limiter.Limiter, error) {
	if rate == "" {
		return nil, nil
	}
	r, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return nil, fmt.Errorf("rate %q: %w", rate, err)
	}
	return limiter.New(store, r), nil
}

// WithRateLimit sets the limiter for limitedMethods and returns s.
func (s *GRPCServer) WithRateLimit(l *limiter.Limiter) *GRPCServer {
	s.limiter = l
	return s
}

func (s *GRPCServer) rateLimitInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if s.limiter == nil || !limitedMethods[info.FullMethod] {
		return handler(ctx, req)
	}

	lc, err := s.limiter.Get(ctx, peerKey(ctx))
	if err != nil {
		s.logger.Error(ctx, "rate limiter failed", "error", err)
		return nil, status.Error(codes.Internal, "internal error")
	}
	if lc.Reached {
		s.logger.Warn(ctx, "rate limit reached", "method", info.FullMethod)
		return nil, status.Error(codes.ResourceExhausted, "too many requests")
	}
	return handler(ctx, req)
}

// peerKey is the caller's IP, or the whole address when it has no port.
func peerKey(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return "unknown"
	}
	addr := p.Addr.String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
