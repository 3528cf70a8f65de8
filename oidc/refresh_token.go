package oidc

import "encoding/json"

// RefreshToken is an oauth refresh_token.  One is only present when the
// offline_access scope was requested and granted, and the provider may
// rotate it on every refresh exchange.
type RefreshToken string

// RedactedRefreshToken is what a RefreshToken yields as a string or in json,
// keeping the real value out of logs and serialized state.
const RedactedRefreshToken = "[REDACTED: refresh_token]"

// String implements fmt.Stringer, redacting the token.
func (t RefreshToken) String() string {
	return RedactedRefreshToken
}

// MarshalJSON redacts the token.
func (t RefreshToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedRefreshToken)
}
