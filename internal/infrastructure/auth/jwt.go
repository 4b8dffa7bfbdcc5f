// Package auth 从 Bearer 令牌中解出租户声明。
// 网关只做 HS256 校验与单字段提取，完整的签发与刷新在外部身份服务。
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
)

// ClaimsVerifier HS256 JWT 租户声明校验器
type ClaimsVerifier struct {
	secret   []byte
	claimKey string
}

// NewClaimsVerifier 创建校验器。secret 为空时校验器恒失败，
// 调用方应退化为仅头部解析。
func NewClaimsVerifier(secret, claimKey string) *ClaimsVerifier {
	if claimKey == "" {
		claimKey = "tenant"
	}
	return &ClaimsVerifier{secret: []byte(secret), claimKey: claimKey}
}

// TenantClaim 校验 Authorization 头并提取租户声明。
// 任何解析或签名失败都按无声明处理，不阻断请求。
func (v *ClaimsVerifier) TenantClaim(authorization string) (string, bool) {
	if len(v.secret) == 0 {
		return "", false
	}
	if !strings.HasPrefix(authorization, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authorization, "Bearer "))
	if token == "" {
		return "", false
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", false
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(parts[0] + "." + parts[1]))
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || !hmac.Equal(sig, mac.Sum(nil)) {
		return "", false
	}

	var header struct {
		Alg string `json:"alg"`
	}
	rawHeader, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil || json.Unmarshal(rawHeader, &header) != nil || header.Alg != "HS256" {
		return "", false
	}

	rawPayload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", false
	}
	var claims map[string]any
	if err := json.Unmarshal(rawPayload, &claims); err != nil {
		return "", false
	}
	tenant, _ := claims[v.claimKey].(string)
	return tenant, tenant != ""
}
