package gateway

import (
	"context"
	"encoding/json"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	errs "IMCore/tools/errs"
)

// Claims 鉴权通过后从令牌里取出的会话身份
type Claims struct {
	UserID   string
	DeviceID string
	Platform string
	JTI      string
}

type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*Claims, error)
}

// Revocations 已吊销令牌检查；nil 实现表示不检查
type Revocations interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// ===== JWT（HMAC）=====

type JWTVerifier struct {
	secret  []byte
	revoked Revocations
}

func NewJWTVerifier(secret []byte, revoked Revocations) *JWTVerifier {
	return &JWTVerifier{secret: secret, revoked: revoked}
}

func (v *JWTVerifier) Verify(ctx context.Context, token string) (*Claims, error) {
	parsed, err := jwtlib.Parse(token, func(t *jwtlib.Token) (interface{}, error) {
		// 仅允许 HMAC 家族
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errs.ErrAuthRejected.WithDetail("unexpected alg")
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, errs.ErrAuthRejected.WithDetail("invalid token")
	}
	mc, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok {
		return nil, errs.ErrAuthRejected.WithDetail("claims type mismatch")
	}
	c := &Claims{
		UserID:   strClaim(mc, "sub"),
		DeviceID: strClaim(mc, "did"),
		Platform: strClaim(mc, "plt"),
		JTI:      strClaim(mc, "jti"),
	}
	if c.UserID == "" {
		return nil, errs.ErrAuthRejected.WithDetail("missing sub")
	}
	if v.revoked != nil && c.JTI != "" {
		hit, err := v.revoked.IsRevoked(ctx, c.JTI)
		if err != nil {
			return nil, errs.ErrRegistryUnavailable.WithDetail("revocation check: " + err.Error())
		}
		if hit {
			return nil, errs.ErrAuthRejected.WithDetail("token revoked")
		}
	}
	return c, nil
}

func strClaim(mc jwtlib.MapClaims, key string) string {
	if v, ok := mc[key].(string); ok {
		return v
	}
	return ""
}

// SignToken 测试与联调用：按 Verify 的口径签一枚 HS256 令牌
func SignToken(secret []byte, c *Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwtlib.MapClaims{
		"sub": c.UserID,
		"did": c.DeviceID,
		"plt": c.Platform,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if c.JTI != "" {
		claims["jti"] = c.JTI
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(secret)
}

// ===== 吊销表（redis set）=====

const revokedKey = "im:jwt:revoked"

type RedisRevocations struct {
	rdb redis.UniversalClient
}

func NewRedisRevocations(rdb redis.UniversalClient) *RedisRevocations {
	return &RedisRevocations{rdb: rdb}
}

func (r *RedisRevocations) IsRevoked(ctx context.Context, jti string) (bool, error) {
	return r.rdb.SIsMember(ctx, revokedKey, jti).Result()
}

// ===== 帧载荷 =====

// AuthChallengeBody 连接建立后服务端先发
type AuthChallengeBody struct {
	Nonce     string `json:"nonce"`
	ServerTs  int64  `json:"server_ts"`
	TimeoutMS int64  `json:"timeout_ms"`
}

// AuthResponseBody 客户端携令牌应答
type AuthResponseBody struct {
	Token    string `json:"token"`
	DeviceID string `json:"device_id,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// AuthResultBody 鉴权结论；失败时 Code 非 0 且连接随后关闭
type AuthResultBody struct {
	Code      int    `json:"code"`
	Detail    string `json:"detail,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	ConnID    string `json:"conn_id,omitempty"`
}

func decodeAuthResponse(payload []byte) (*AuthResponseBody, error) {
	b := &AuthResponseBody{}
	if err := json.Unmarshal(payload, b); err != nil {
		return nil, errs.ErrMessageFormat.WithDetail("auth_response: " + err.Error())
	}
	if b.Token == "" {
		return nil, errs.ErrAuthRejected.WithDetail("empty token")
	}
	return b, nil
}
