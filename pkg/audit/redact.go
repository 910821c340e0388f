package audit

import (
	"crypto/sha256"
	"encoding/hex"
)

// hashUsername replaces a username with a salted digest. The same user
// keeps the same digest, so per-user activity stays traceable without
// the trail naming anyone. Anonymous requests stay empty.
func hashUsername(username string, salt []byte) string {
	if username == "" {
		return ""
	}
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(username))
	return "u:" + hex.EncodeToString(h.Sum(nil))[:24]
}
