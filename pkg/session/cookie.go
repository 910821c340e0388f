package session

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

const ivBlockSize = 16

var saltedPrefix = []byte("Salted__")

// CookieCodec encodes the session as an AES-256-CBC encrypted, base64
// wrapped JSON document framed the way openssl does:
//
//	base64("Salted__" || salt[8] || AES_CBC(pkcs7(json)))
//
// with key and IV derived from the passphrase by OpenSSL's legacy
// EVP_BytesToKey (iterated MD5). The token round-trips through
//
//	echo _token_ | openssl aes-256-cbc -d -a -k _passphrase_
type CookieCodec struct{}

func (CookieCodec) Prepare(session map[string]any, key string) (string, error) {
	plain, err := json.Marshal(session)
	if err != nil {
		return "", fmt.Errorf("serialize session: %w", err)
	}
	salt := make([]byte, ivBlockSize-len(saltedPrefix))
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("salt: %w", err)
	}
	aesKey, iv := opensslKeyIV([]byte(key), salt)
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return "", fmt.Errorf("cipher: %w", err)
	}
	padded := pkcs7Pad(plain, ivBlockSize)
	encrypted := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(encrypted, padded)

	framed := make([]byte, 0, ivBlockSize+len(encrypted))
	framed = append(framed, saltedPrefix...)
	framed = append(framed, salt...)
	framed = append(framed, encrypted...)
	return base64.StdEncoding.EncodeToString(framed), nil
}

func (CookieCodec) Load(token, key string) (map[string]any, error) {
	framed, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrDecode, err)
	}
	if len(framed) < ivBlockSize || !bytes.HasPrefix(framed, saltedPrefix) {
		return nil, fmt.Errorf("%w: missing salt header", ErrDecode)
	}
	salt := framed[len(saltedPrefix):ivBlockSize]
	encrypted := framed[ivBlockSize:]
	if len(encrypted) == 0 || len(encrypted)%ivBlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext not block aligned", ErrDecode)
	}
	aesKey, iv := opensslKeyIV([]byte(key), salt)
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("%w: cipher: %v", ErrDecode, err)
	}
	plain := make([]byte, len(encrypted))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, encrypted)
	plain, err = pkcs7Unpad(plain, ivBlockSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	var session map[string]any
	if err := json.Unmarshal(plain, &session); err != nil {
		return nil, fmt.Errorf("%w: json: %v", ErrDecode, err)
	}
	return session, nil
}

// opensslKeyIV derives 32 key bytes and 16 IV bytes from passphrase and
// salt by iterating digest = MD5(digest || passphrase || salt), as
// EVP_BytesToKey with MD5 and one round does.
func opensslKeyIV(passphrase, salt []byte) (key, iv []byte) {
	material := make([]byte, 0, 48)
	var prev []byte
	for len(material) < 32+ivBlockSize {
		h := md5.New() // #nosec G401 -- fixed legacy KDF, required for openssl compatibility
		h.Write(prev)
		h.Write(passphrase)
		h.Write(salt)
		prev = h.Sum(nil)
		material = append(material, prev...)
	}
	return material[:32], material[32 : 32+ivBlockSize]
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padding)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padding)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(data))
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize {
		return nil, fmt.Errorf("invalid padding byte %d", padding)
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, fmt.Errorf("inconsistent padding")
		}
	}
	return data[:len(data)-padding], nil
}
