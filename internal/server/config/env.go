package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. SHOPKEEPER_SECRET_KEY.
const EnvPrefix = "SHOPKEEPER"

// parseEnv overlays SHOPKEEPER_* environment variables. Durations use Go
// syntax ("15m"); role lists are comma separated.
func parseEnv(config *Config) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)

	str := func(key string, dst *string) {
		_ = v.BindEnv(key)
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	str("http_addr", &config.EndpointAddrHTTP)
	str("grpc_addr", &config.EndpointAddrGRPC)
	str("database_dsn", &config.DatabaseDSN)
	str("secret_key", &config.SecretKey)
	str("issuer", &config.Issuer)
	str("audience", &config.Audience)
	str("login_rate_limit", &config.LoginRateLimit)
	str("redis_url", &config.RedisURL)
	str("log_format", &config.LogFormat)

	for key, dst := range map[string]*int{
		"max_failed_access_attempts": &config.MaxFailedAccessAttempts,
		"password_iterations":        &config.PasswordIterations,
		"concurrency_retries":        &config.ConcurrencyRetries,
	} {
		_ = v.BindEnv(key)
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}

	for key, dst := range map[string]*time.Duration{
		"access_token_validity_duration":  &config.AccessTokenValidityDuration,
		"refresh_token_validity_duration": &config.RefreshTokenValidityDuration,
		"lockout_duration":                &config.LockoutDuration,
	} {
		_ = v.BindEnv(key)
		if v.IsSet(key) {
			*dst = v.GetDuration(key)
		}
	}

	for key, dst := range map[string]*[]string{
		"default_roles":   &config.DefaultRoles,
		"protected_roles": &config.ProtectedRoles,
	} {
		_ = v.BindEnv(key)
		if v.IsSet(key) {
			*dst = splitList(v.GetString(key))
		}
	}

	_ = v.BindEnv("debug")
	if v.IsSet("debug") {
		config.Debug = v.GetBool("debug")
	}
}

func splitList(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
