package config

import (
	"flag"
	"strings"
	"time"

	"github.com/dmitrijs2005/shopkeeper/internal/flagx"
)

// serverFlags lists the flags handled here; everything else in args belongs
// to someone else (e.g. -c for the JSON file).
var serverFlags = []string{
	"-a", "-g", "-d", "-s", "-issuer", "-audience", "-t", "-r",
	"-l", "-o", "-k", "-q", "-e", "-f", "-v", "-roles",
}

// parseFlags populates Config fields from command-line flags.
//
// Supported flags:
//
//	-a string     HTTP bind address (e.g., ":8080")
//	-g string     gRPC bind address (e.g., ":50051")
//	-d string     PostgreSQL DSN or "memory"
//	-s string     JWT HMAC secret key
//	-issuer       token issuer
//	-audience     token audience
//	-t int        access token validity, minutes
//	-r int        refresh token validity, minutes
//	-l int        failed attempts before lockout (0 disables)
//	-o int        lockout duration, minutes
//	-k int        PBKDF2 iteration target
//	-q string     login rate limit, e.g. "20-M" ("" disables)
//	-e string     Redis URL for the rate limiter store
//	-f string     log format: json | console
//	-v            debug mode
//	-roles string comma separated default roles
//
// Duration flags are integers in minutes.
func parseFlags(config *Config, args []string) {
	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.EndpointAddrHTTP, "a", config.EndpointAddrHTTP, "HTTP address and port")
	fs.StringVar(&config.EndpointAddrGRPC, "g", config.EndpointAddrGRPC, "gRPC address and port")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key")
	fs.StringVar(&config.Issuer, "issuer", config.Issuer, "token issuer")
	fs.StringVar(&config.Audience, "audience", config.Audience, "token audience")

	accessTokenValidityDuration := fs.Int("t", int(config.AccessTokenValidityDuration.Minutes()), "access_token_validity_duration (in minutes)")
	refreshTokenValidityDuration := fs.Int("r", int(config.RefreshTokenValidityDuration.Minutes()), "refresh_token_validity_duration (in minutes)")
	lockoutDuration := fs.Int("o", int(config.LockoutDuration.Minutes()), "lockout_duration (in minutes)")

	fs.IntVar(&config.MaxFailedAccessAttempts, "l", config.MaxFailedAccessAttempts, "failed attempts before lockout")
	fs.IntVar(&config.PasswordIterations, "k", config.PasswordIterations, "PBKDF2 iterations")
	fs.StringVar(&config.LoginRateLimit, "q", config.LoginRateLimit, "login rate limit")
	fs.StringVar(&config.RedisURL, "e", config.RedisURL, "redis URL")
	fs.StringVar(&config.LogFormat, "f", config.LogFormat, "log format")
	fs.BoolVar(&config.Debug, "v", config.Debug, "debug mode")
	roles := fs.String("roles", strings.Join(config.DefaultRoles, ","), "default roles")

	if err := fs.Parse(flagx.FilterArgs(args, serverFlags)); err != nil {
		panic(err)
	}

	// minute-granularity flags only override what was given explicitly, so a
	// "30s" from JSON survives
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "t":
			config.AccessTokenValidityDuration = time.Duration(*accessTokenValidityDuration) * time.Minute
		case "r":
			config.RefreshTokenValidityDuration = time.Duration(*refreshTokenValidityDuration) * time.Minute
		case "o":
			config.LockoutDuration = time.Duration(*lockoutDuration) * time.Minute
		case "roles":
			config.DefaultRoles = splitList(*roles)
		}
	})
}
