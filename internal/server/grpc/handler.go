package grpc

import (
	"context"
	"errors"
	"time"

	"github.com/dmitrijs2005/shopkeeper/internal/common"
	"github.com/dmitrijs2005/shopkeeper/internal/logging"
	"github.com/dmitrijs2005/shopkeeper/internal/server/auth"
	"github.com/dmitrijs2005/shopkeeper/internal/server/services"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type authService struct {
	sessions Sessions
	logger   logging.Logger
}

func (a *authService) Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	in := services.RegisterInput{
		Email:       req.Email,
		UserName:    req.UserName,
		Password:    req.Password,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		PhoneNumber: req.PhoneNumber,
	}
	if req.DateOfBirth != "" {
		dob, err := time.Parse(time.DateOnly, req.DateOfBirth)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, "dateOfBirth: must be a date in the 2006-01-02 format")
		}
		in.DateOfBirth = &dob
	}

	user, err := a.sessions.Register(ctx, in)
	if err != nil {
		return nil, toStatus(err)
	}
	a.logger.Info(ctx, "Registered", "user_id", user.ID)
	return &RegisterResponse{ID: user.ID, Email: user.Email, UserName: user.UserName}, nil
}

func (a *authService) Login(ctx context.Context, req *LoginRequest) (*TokenResponse, error) {
	tokens, err := a.sessions.Login(ctx, req.Email, req.Password)
	if err != nil {
		return nil, toStatus(err)
	}
	return &TokenResponse{AccessToken: tokens.AccessToken, RefreshToken: tokens.RefreshToken}, nil
}

func (a *authService) Refresh(ctx context.Context, req *RefreshRequest) (*TokenResponse, error) {
	tokens, err := a.sessions.Refresh(ctx, req.AccessToken, req.RefreshToken)
	if err != nil {
		return nil, toStatus(err)
	}
	return &TokenResponse{AccessToken: tokens.AccessToken, RefreshToken: tokens.RefreshToken}, nil
}

func (a *authService) SignOut(ctx context.Context, _ *Empty) (*Empty, error) {
	if err := a.sessions.SignOut(ctx, callerID(ctx)); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (a *authService) ChangePassword(ctx context.Context, req *ChangePasswordRequest) (*Empty, error) {
	if err := a.sessions.ChangePassword(ctx, callerID(ctx), req.CurrentPassword, req.NewPassword); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func callerID(ctx context.Context) string {
	claims, _ := auth.ClaimsFromContext(ctx)
	return claims.Subject()
}

// toStatus maps service errors onto gRPC codes. Field errors keep their
// text; anything unexpected becomes a bare Internal.
func toStatus(err error) error {
	var verr *common.ValidationError
	switch {
	case errors.As(err, &verr) && errors.Is(err, common.ErrorAlreadyExists):
		return status.Error(codes.AlreadyExists, verr.Error())
	case errors.As(err, &verr):
		return status.Error(codes.InvalidArgument, verr.Error())
	case errors.Is(err, common.ErrorLockedOut):
		return status.Error(codes.Unauthenticated, "locked out")
	case errors.Is(err, common.ErrorUnauthorized):
		return status.Error(codes.Unauthenticated, "unauthorized")
	case errors.Is(err, common.ErrorForbidden):
		return status.Error(codes.PermissionDenied, "forbidden")
	case errors.Is(err, common.ErrorNotFound):
		return status.Error(codes.NotFound, "not found")
	case errors.Is(err, common.ErrConcurrencyConflict):
		return status.Error(codes.Aborted, "concurrency conflict, retry")
	default:
		return status.Error(codes.Internal, "internal error")
	}
}
