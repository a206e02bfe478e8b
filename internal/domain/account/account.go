// Package account provides the binding between a scrobbling service and a user.
package account

import (
	"crypto/md5"
	"encoding/hex"
)

// Binding is what the account store hands to the protocol client.
// Either SessionKey or PasswordMD5 must be set.
type Binding struct {
	Service     string // service name as configured, e.g. "lastfm"
	Username    string
	PasswordMD5 string // hex md5 of the password
	SessionKey  string // pre-established session, skips the handshake
}

// ID returns "service/username".
func (b Binding) ID() string {
	return b.Service + "/" + b.Username
}

// HasCredentials reports whether the binding can be used to authenticate.
func (b Binding) HasCredentials() bool {
	return b.Username != "" && (b.SessionKey != "" || b.PasswordMD5 != "")
}

// AuthToken returns md5(username + md5(password)) as used by the mobile
// session handshake.
func (b Binding) AuthToken() string {
	return MD5Hex(b.Username + b.PasswordMD5)
}

// MD5Hex returns the lower-case hex md5 of s.
func MD5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
