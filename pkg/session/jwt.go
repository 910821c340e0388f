package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// JWTCodec encodes the session dictionary as the claims of an
// HS256-signed JWT. Prepare stamps an expiry TTL seconds out unless the
// session already carries one.
type JWTCodec struct {
	TTL time.Duration
}

func (c JWTCodec) Prepare(session map[string]any, key string) (string, error) {
	claims := make(map[string]any, len(session)+1)
	for k, v := range session {
		claims[k] = v
	}
	if _, ok := claims["exp"]; !ok {
		ttl := c.TTL
		if ttl <= 0 {
			ttl = time.Hour
		}
		claims["exp"] = time.Now().UTC().Add(ttl).Unix()
	}
	headerRaw, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		return "", err
	}
	payloadRaw, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("serialize claims: %w", err)
	}
	signing := base64.RawURLEncoding.EncodeToString(headerRaw) +
		"." + base64.RawURLEncoding.EncodeToString(payloadRaw)
	mac := hmac.New(sha256.New, []byte(key))
	_, _ = mac.Write([]byte(signing))
	return signing + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

func (JWTCodec) Load(token, key string) (map[string]any, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: invalid token format", ErrDecode)
	}
	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrDecode, err)
	}
	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrDecode, err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrDecode, err)
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrDecode, err)
	}
	if strings.ToUpper(header.Alg) != "HS256" {
		return nil, fmt.Errorf("%w: unsupported alg %q", ErrDecode, header.Alg)
	}
	mac := hmac.New(sha256.New, []byte(key))
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return nil, fmt.Errorf("%w: signature mismatch", ErrDecode)
	}
	var claims map[string]any
	if err := json.Unmarshal(payloadRaw, &claims); err != nil {
		return nil, fmt.Errorf("%w: claims: %v", ErrDecode, err)
	}
	if expRaw, ok := claims["exp"]; ok {
		exp, ok := expRaw.(float64)
		if !ok || time.Now().UTC().Unix() >= int64(exp) {
			return nil, fmt.Errorf("%w: token expired", ErrDecode)
		}
	}
	return claims, nil
}
