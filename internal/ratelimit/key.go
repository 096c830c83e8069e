package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// =============================================================================
// 🔑 客户端键
// =============================================================================

// APIKeyHeader 是 API key 请求头
const APIKeyHeader = "X-API-Key"

// KeyExtractor derives the client key of a request: a verified JWT subject,
// then an API key digest, then the remote IP.
type KeyExtractor struct {
	secret []byte
	parser *jwt.Parser
}

// NewKeyExtractor creates an extractor. An empty secret disables JWT keying.
func NewKeyExtractor(jwtSecret string) *KeyExtractor {
	return &KeyExtractor{
		secret: []byte(jwtSecret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{"HS256"})),
	}
}

// Key returns sub:<subject>, key:<digest> or ip:<addr>.
func (k *KeyExtractor) Key(r *http.Request) string {
	if sub := k.subject(r.Header.Get("Authorization")); sub != "" {
		return "sub:" + sub
	}
	if key := r.Header.Get(APIKeyHeader); key != "" {
		return "key:" + digest(key)
	}
	return "ip:" + RemoteIP(r.RemoteAddr)
}

func (k *KeyExtractor) subject(header string) string {
	if len(k.secret) == 0 || !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	token, err := k.parser.Parse(strings.TrimPrefix(header, "Bearer "), func(*jwt.Token) (any, error) {
		return k.secret, nil
	})
	if err != nil || !token.Valid {
		return ""
	}
	sub, err := token.Claims.GetSubject()
	if err != nil {
		return ""
	}
	return sub
}

// digest 返回 API key 的 SHA-256 前 16 位十六进制
func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}

// RemoteIP strips the port from a RemoteAddr.
func RemoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
