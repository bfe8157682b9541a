// Package models holds the persistent entities of the credential store.
package models

import (
	"strings"
	"time"
)

// User is a registered account together with its credential and session state.
//
// PasswordHash has the form "<iterations>.<salt>.<key>". SecurityStamp changes
// whenever credentials or roles change; ConcurrencyStamp changes on every
// write and guards updates against lost writes. RefreshToken is a single slot:
// issuing a new one replaces the previous.
type User struct {
	ID                     string
	Email                  string
	NormalizedEmail        string
	UserName               string
	NormalizedUserName     string
	PasswordHash           string
	SecurityStamp          string
	ConcurrencyStamp       string
	AccessFailedCount      int
	LockoutEnd             *time.Time
	RefreshToken           *string
	RefreshTokenExpiration *time.Time
	FirstName              string
	LastName               string
	PhoneNumber            string
	DateOfBirth            *time.Time
	CreatedAt              time.Time
}

// IsLockedOut reports whether a lockout window is still running at now.
func (u *User) IsLockedOut(now time.Time) bool {
	return u.LockoutEnd != nil && u.LockoutEnd.After(now)
}

// Clone returns a deep copy, so callers can mutate it without touching shared state.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.LockoutEnd = cloneTime(u.LockoutEnd)
	c.RefreshTokenExpiration = cloneTime(u.RefreshTokenExpiration)
	c.DateOfBirth = cloneTime(u.DateOfBirth)
	if u.RefreshToken != nil {
		t := *u.RefreshToken
		c.RefreshToken = &t
	}
	return &c
}

// Role groups users for authorization. Names are unique case-insensitively.
type Role struct {
	ID               string
	Name             string
	NormalizedName   string
	ConcurrencyStamp string
}

// Well-known roles seeded by the initial migration.
const (
	RoleAdmin     = "Admin"
	RolePowerUser = "PowerUser"
	RoleCustomer  = "Customer"
)

// Normalize is the lookup form of emails, user names and role names.
func Normalize(v string) string {
	return strings.ToUpper(strings.TrimSpace(v))
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
