package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/shopkeeper/internal/flagx"
	"github.com/dmitrijs2005/shopkeeper/internal/timex"
)

// JsonConfig is the on-disk shape of the config file. Durations accept both
// "15m"-style strings and integer nanoseconds (timex.Duration). Absent fields
// leave the current value untouched.
type JsonConfig struct {
	EndpointAddrHTTP             string          `json:"endpoint_addr_http"`
	EndpointAddrGRPC             string          `json:"endpoint_addr_grpc"`
	DatabaseDSN                  string          `json:"database_dsn"`
	SecretKey                    string          `json:"secret_key"`
	Issuer                       string          `json:"issuer"`
	Audience                     string          `json:"audience"`
	AccessTokenValidityDuration  *timex.Duration `json:"access_token_validity_duration"`
	RefreshTokenValidityDuration *timex.Duration `json:"refresh_token_validity_duration"`
	MaxFailedAccessAttempts      *int            `json:"max_failed_access_attempts"`
	LockoutDuration              *timex.Duration `json:"lockout_duration"`
	PasswordIterations           *int            `json:"password_iterations"`
	ConcurrencyRetries           *int            `json:"concurrency_retries"`
	DefaultRoles                 []string        `json:"default_roles"`
	ProtectedRoles               []string        `json:"protected_roles"`
	LoginRateLimit               *string         `json:"login_rate_limit"`
	RedisURL                     string          `json:"redis_url"`
	LogFormat                    string          `json:"log_format"`
	Debug                        *bool           `json:"debug"`
}

// parseJson overlays values from the file named by -c/-config.
// Without the flag nothing is loaded. An unreadable file or invalid JSON panics:
// a server must not start on a half-read config.
func parseJson(config *Config, args []string) {
	jsonConfigFile := flagx.JsonConfigFlags(args)
	if jsonConfigFile == "" {
		return
	}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	setString(&config.EndpointAddrHTTP, c.EndpointAddrHTTP)
	setString(&config.EndpointAddrGRPC, c.EndpointAddrGRPC)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.SecretKey, c.SecretKey)
	setString(&config.Issuer, c.Issuer)
	setString(&config.Audience, c.Audience)
	setString(&config.RedisURL, c.RedisURL)
	setString(&config.LogFormat, c.LogFormat)

	if c.AccessTokenValidityDuration != nil {
		config.AccessTokenValidityDuration = c.AccessTokenValidityDuration.Duration
	}
	if c.RefreshTokenValidityDuration != nil {
		config.RefreshTokenValidityDuration = c.RefreshTokenValidityDuration.Duration
	}
	if c.LockoutDuration != nil {
		config.LockoutDuration = c.LockoutDuration.Duration
	}
	if c.MaxFailedAccessAttempts != nil {
		config.MaxFailedAccessAttempts = *c.MaxFailedAccessAttempts
	}
	if c.PasswordIterations != nil {
		config.PasswordIterations = *c.PasswordIterations
	}
	if c.ConcurrencyRetries != nil {
		config.ConcurrencyRetries = *c.ConcurrencyRetries
	}
	if c.DefaultRoles != nil {
		config.DefaultRoles = c.DefaultRoles
	}
	if c.ProtectedRoles != nil {
		config.ProtectedRoles = c.ProtectedRoles
	}
	if c.LoginRateLimit != nil {
		config.LoginRateLimit = *c.LoginRateLimit
	}
	if c.Debug != nil {
		config.Debug = *c.Debug
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
