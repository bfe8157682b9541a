// Package common contains shared constants and sentinel errors used across
// Shopkeeper components.
package common

// AccessTokenHeaderName is the gRPC metadata key used to carry the
// access token on inbound calls.
const AccessTokenHeaderName = "access_token"

// AuthorizationHeaderName carries "Bearer <token>" on HTTP requests.
const AuthorizationHeaderName = "Authorization"

// BearerPrefix is the scheme prefix of AuthorizationHeaderName values.
const BearerPrefix = "Bearer "
