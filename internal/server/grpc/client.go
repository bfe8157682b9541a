package grpc

import (
	"context"

	"github.com/dmitrijs2005/shopkeeper/internal/common"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// Client calls AuthService over an existing connection using the JSON codec.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	return c.cc.Invoke(ctx, method, in, out, grpc.ForceCodec(jsonCodec{}))
}

func (c *Client) Register(ctx context.Context, in *RegisterRequest) (*RegisterResponse, error) {
	out := new(RegisterResponse)
	if err := c.invoke(ctx, MethodRegister, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Login(ctx context.Context, in *LoginRequest) (*TokenResponse, error) {
	out := new(TokenResponse)
	if err := c.invoke(ctx, MethodLogin, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Refresh(ctx context.Context, in *RefreshRequest) (*TokenResponse, error) {
	out := new(TokenResponse)
	if err := c.invoke(ctx, MethodRefresh, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// SignOut and ChangePassword attach accessToken as call metadata.
func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	return c.invoke(withToken(ctx, accessToken), MethodSignOut, &Empty{}, &Empty{})
}

func (c *Client) ChangePassword(ctx context.Context, accessToken string, in *ChangePasswordRequest) error {
	return c.invoke(withToken(ctx, accessToken), MethodChangePassword, in, &Empty{})
}

func withToken(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, common.AccessTokenHeaderName, token)
}
