package services

import (
	"time"

	"github.com/dmitrijs2005/shopkeeper/internal/server/config"
)

// SessionOptions is the policy part of the server configuration.
type SessionOptions struct {
	AccessTokenTTL          time.Duration
	RefreshTokenTTL         time.Duration
	MaxFailedAccessAttempts int // 0 disables lockout
	LockoutDuration         time.Duration
	ConcurrencyRetries      int
	DefaultRoles            []string
	ProtectedRoles          []string
}

// OptionsFromConfig extracts SessionOptions from cfg.
func OptionsFromConfig(cfg *config.Config) SessionOptions {
	return SessionOptions{
		AccessTokenTTL:          cfg.AccessTokenValidityDuration,
		RefreshTokenTTL:         cfg.RefreshTokenValidityDuration,
		MaxFailedAccessAttempts: cfg.MaxFailedAccessAttempts,
		LockoutDuration:         cfg.LockoutDuration,
		ConcurrencyRetries:      cfg.ConcurrencyRetries,
		DefaultRoles:            cfg.DefaultRoles,
		ProtectedRoles:          cfg.ProtectedRoles,
	}
}

// Recorder receives the outcome of every session operation.
type Recorder interface {
	AuthEvent(event, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) AuthEvent(string, string) {}

// Event names passed to Recorder.
const (
	EventRegister       = "register"
	EventLogin          = "login"
	EventRefresh        = "refresh"
	EventSignOut        = "signout"
	EventDeleteAccount  = "delete_account"
	EventChangePassword = "change_password"
	EventRoleChange     = "role_change"
	EventGate           = "gate"
)

// Outcomes passed to Recorder.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeLockedOut = "locked_out"
	OutcomeConflict  = "conflict"
	OutcomeError     = "error"
)
