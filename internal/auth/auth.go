// internal/auth/auth.go
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNoSecret 未配置签名密钥
	ErrNoSecret = errors.New("secret key is required")
	// ErrInvalidToken 格式或签名错误
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken 已过期
	ErrExpiredToken = errors.New("token has expired")
)

// TokenConfig holds the configuration for token generation
type TokenConfig struct {
	Secret     []byte
	Expiration time.Duration
}

// NewTokenConfig 由口令派生 32 字节签名密钥
func NewTokenConfig(secret string, expiration time.Duration) *TokenConfig {
	if secret == "" {
		return &TokenConfig{Expiration: expiration}
	}
	sum := sha256.Sum256([]byte(secret))
	return &TokenConfig{Secret: sum[:], Expiration: expiration}
}

// Enabled 是否配置了密钥
func (c *TokenConfig) Enabled() bool {
	return c != nil && len(c.Secret) > 0
}

// Token 访问令牌，Subject 是调用方（作者或客户端）名称
type Token struct {
	Subject   string `json:"sub"`
	ExpiresAt int64  `json:"expires_at"`
	IssuedAt  int64  `json:"issued_at"`
}

func (c *TokenConfig) sign(payload []byte) []byte {
	h := hmac.New(sha256.New, c.Secret)
	h.Write(payload)
	return h.Sum(nil)
}

// GenerateToken 签发令牌：base64(subject|exp|iat).base64(hmac)
func GenerateToken(subject string, config *TokenConfig) (string, error) {
	if !config.Enabled() {
		return "", ErrNoSecret
	}
	if subject == "" || strings.Contains(subject, "|") {
		return "", fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}

	now := time.Now()
	payload := fmt.Sprintf("%s|%d|%d", subject, now.Add(config.Expiration).Unix(), now.Unix())

	encodedPayload := base64.RawURLEncoding.EncodeToString([]byte(payload))
	encodedSignature := base64.RawURLEncoding.EncodeToString(config.sign([]byte(payload)))
	return encodedPayload + "." + encodedSignature, nil
}

// ParseToken 校验签名与有效期
func ParseToken(tokenString string, config *TokenConfig) (*Token, error) {
	if !config.Enabled() {
		return nil, ErrNoSecret
	}

	encodedPayload, encodedSignature, ok := strings.Cut(tokenString, ".")
	if !ok {
		return nil, fmt.Errorf("%w: format", ErrInvalidToken)
	}
	payload, err := base64.RawURLEncoding.DecodeString(encodedPayload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload", ErrInvalidToken)
	}
	signature, err := base64.RawURLEncoding.DecodeString(encodedSignature)
	if err != nil {
		return nil, fmt.Errorf("%w: signature", ErrInvalidToken)
	}
	if !hmac.Equal(signature, config.sign(payload)) {
		return nil, fmt.Errorf("%w: signature mismatch", ErrInvalidToken)
	}

	parts := strings.Split(string(payload), "|")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: payload fields", ErrInvalidToken)
	}
	expiresAt, err1 := strconv.ParseInt(parts[1], 10, 64)
	issuedAt, err2 := strconv.ParseInt(parts[2], 10, 64)
	if err1 != nil || err2 != nil {
		return nil, fmt.Errorf("%w: timestamps", ErrInvalidToken)
	}
	if time.Now().Unix() > expiresAt {
		return nil, ErrExpiredToken
	}

	return &Token{Subject: parts[0], ExpiresAt: expiresAt, IssuedAt: issuedAt}, nil
}

// GenerateSecureKey generates a secure random key for token signing
func GenerateSecureKey(length int) ([]byte, error) {
	if length <= 0 {
		length = 32
	}
	key := make([]byte, length)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}
