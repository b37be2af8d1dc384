// Package common contains shared constants and sentinel errors used across
// fleetsession components.
package common

// AccessTokenHeaderName is the HTTP header / gRPC metadata key used to carry
// the bearer credential on outbound requests. gRPC metadata keys are
// lower-case, so the HTTP pipeline canonicalises it on its own.
const AccessTokenHeaderName = "authorization"

// BearerPrefix precedes the token in AccessTokenHeaderName values.
const BearerPrefix = "Bearer "

// BearerValue formats a token for AccessTokenHeaderName.
func BearerValue(token string) string {
	return BearerPrefix + token
}
