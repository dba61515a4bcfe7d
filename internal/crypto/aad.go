// Package icrypto builds the additional authenticated data bound to sealed
// records, so a ciphertext cannot be replayed under another key or record
// kind.
package icrypto

import (
	"encoding/binary"
)

const (
	aadSecret     = "SECRET"
	aadSession    = "SESSION"
	aadSessionKey = "SESSIONKEY"

	// Version is bumped when the AAD layout changes.
	Version = 1
)

// AADSecret binds a sealed TOTP secret to its username.
func AADSecret(username string) []byte {
	return buildAAD(aadSecret, username, Version)
}

// AADSession binds a sealed session record to its token.
func AADSession(token string) []byte {
	return buildAAD(aadSession, token, Version)
}

// AADSessionKey binds the wrapped session encryption key.
func AADSessionKey() []byte {
	return buildAAD(aadSessionKey, Version)
}

// buildAAD length-prefixes each string part so that distinct part lists
// never encode to the same bytes.
func buildAAD(parts ...any) []byte {
	var res []byte
	for _, p := range parts {
		switch v := p.(type) {
		case string:
			res = appendLenPrefix(res, []byte(v))
		case int:
			res = binary.BigEndian.AppendUint32(res, uint32(v))
		}
	}
	return res
}

func appendLenPrefix(b, data []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(data)))
	return append(b, data...)
}
