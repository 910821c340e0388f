// Package session encodes the caller's session as a token forwarded to
// tenant backends, either as an OpenSSL-compatible encrypted cookie or
// as a signed JWT. Both encodings are understood by the deployment
// toolchains running behind the gateway, so the wire formats here are
// byte-exact contracts, not implementation details.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rulegate/pkg/identity"
	"rulegate/pkg/models"
)

// ErrDecode wraps any failure to decode or validate a token. Callers
// treat a decode error as "no session" but may still log it.
var ErrDecode = errors.New("session decode")

// Codec converts a session dictionary to and from a forwarded token.
// Implementations are stateless and safe for concurrent use; the key
// is supplied per call so tenant keys can rotate freely.
type Codec interface {
	Prepare(session map[string]any, key string) (string, error)
	Load(token, key string) (map[string]any, error)
}

// ForBackend returns the codec for an App's session backend, or nil
// when the backend forwards no session.
func ForBackend(backend int) Codec {
	switch backend {
	case models.CookieSession:
		return CookieCodec{}
	case models.JWTSession:
		return JWTCodec{TTL: time.Hour}
	}
	return nil
}

// Load decodes token and, when the session names a username,
// re-resolves it against the identity store so the local auth context
// can be populated. A session that names a user the store rejects is
// invalid as a whole.
func Load(ctx context.Context, codec Codec, token, key string, users identity.Finder) (map[string]any, *models.User, error) {
	session, err := codec.Load(token, key)
	if err != nil {
		return nil, nil, err
	}
	username, _ := session["username"].(string)
	if username == "" || users == nil {
		return session, nil, nil
	}
	user, err := users.FindUser(ctx, username)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: resolve %q: %v", ErrDecode, username, err)
	}
	return session, user, nil
}
