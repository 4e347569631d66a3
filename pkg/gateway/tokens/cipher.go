// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"encoding/base64"
	"fmt"

	"github.com/go-jose/go-jose/v4"
)

// Cipher seals and opens the secret fields of a token.
type Cipher interface {
	Seal(t *Token) (*Token, error)
	Open(t *Token) (*Token, error)
}

// NopCipher leaves tokens in plaintext.
type NopCipher struct{}

// Seal implements Cipher.
func (NopCipher) Seal(t *Token) (*Token, error) { return t, nil }

// Open implements Cipher.
func (NopCipher) Open(t *Token) (*Token, error) { return t, nil }

// JWECipher encrypts secrets as compact JWE with direct A256GCM encryption.
type JWECipher struct {
	key       []byte
	encrypter jose.Encrypter
}

// NewJWECipher creates a cipher from a base64 encoded 32 byte key.
func NewJWECipher(encodedKey string) (*JWECipher, error) {
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	enc, err := jose.NewEncrypter(jose.A256GCM, jose.Recipient{Algorithm: jose.DIRECT, Key: key}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create encrypter: %w", err)
	}
	return &JWECipher{key: key, encrypter: enc}, nil
}

// Seal implements Cipher.
func (c *JWECipher) Seal(t *Token) (*Token, error) {
	return c.transform(t, c.encrypt)
}

// Open implements Cipher.
func (c *JWECipher) Open(t *Token) (*Token, error) {
	return c.transform(t, c.decrypt)
}

func (*JWECipher) transform(t *Token, fn func(string) (string, error)) (*Token, error) {
	out := *t
	for _, field := range []*string{&out.AccessToken, &out.RefreshToken, &out.ClientSecret} {
		if *field == "" {
			continue
		}
		v, err := fn(*field)
		if err != nil {
			return nil, err
		}
		*field = v
	}
	return &out, nil
}

func (c *JWECipher) encrypt(plaintext string) (string, error) {
	obj, err := c.encrypter.Encrypt([]byte(plaintext))
	if err != nil {
		return "", fmt.Errorf("failed to encrypt token: %w", err)
	}
	return obj.CompactSerialize()
}

func (c *JWECipher) decrypt(ciphertext string) (string, error) {
	obj, err := jose.ParseEncrypted(ciphertext,
		[]jose.KeyAlgorithm{jose.DIRECT},
		[]jose.ContentEncryption{jose.A256GCM},
	)
	if err != nil {
		return "", fmt.Errorf("failed to parse sealed token: %w", err)
	}
	plaintext, err := obj.Decrypt(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt token: %w", err)
	}
	return string(plaintext), nil
}
