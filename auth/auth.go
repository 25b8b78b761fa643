// Package auth 在网关边缘验证 JWT 并执行基于角色的访问规则。
//
// 验证支持 RS256 公钥与 HS256 共享密钥两种方式。通过验证的请求会被注入
// X-User-ID、X-User-Role、X-User-Email 头后转发给下游服务，
// 客户端自带的同名头在进入网关时即被剥离。
//
// 基本使用：
//
//	authenticator, _ := auth.New(&auth.Config{
//	    PublicKeyFile: "/etc/hms/jwt.pub",
//	    AccessRules: []auth.AccessRule{
//	        {Methods: []string{"GET"}, Path: "/api/reports/**", Roles: []string{"ADMIN"}},
//	    },
//	}, auth.WithLogger(logger))
//	r.Use(authenticator.GinMiddleware())
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ceyewan/hms-plane/clog"
	"github.com/ceyewan/hms-plane/metrics"
	"github.com/ceyewan/hms-plane/xerrors"
)

// Authenticator 认证器
type Authenticator interface {
	// GenerateToken 签发 Token，RS256 需要配置私钥
	GenerateToken(ctx context.Context, claims *Claims) (string, error)

	// ValidateToken 验证 Token 并返回 Claims
	ValidateToken(ctx context.Context, token string) (*Claims, error)

	// IsPublic 路径是否免认证
	IsPublic(path string) bool

	// Authorize 按访问规则检查已认证用户，拒绝时返回 ErrForbidden
	Authorize(ctx context.Context, method, path string, claims *Claims) error

	// GinMiddleware 返回 Gin 认证中间件
	GinMiddleware() gin.HandlerFunc
}

type jwtAuth struct {
	config  *Config
	keys    *keys
	parser  *jwt.Parser
	method  jwt.SigningMethod
	options *options

	validated metrics.Counter
	issued    metrics.Counter
	denied    metrics.Counter
}

// New 创建 Authenticator
func New(cfg *Config, opts ...Option) (Authenticator, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	k, err := cfg.loadKeys()
	if err != nil {
		return nil, err
	}

	a := &jwtAuth{
		config:  cfg,
		keys:    k,
		method:  jwt.GetSigningMethod(cfg.SigningMethod),
		options: o,
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{cfg.SigningMethod}),
		jwt.WithTimeFunc(o.now),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(cfg.Audience))
	}
	a.parser = jwt.NewParser(parserOpts...)

	a.validated, _ = o.meter.Counter(MetricTokensValidated, "Total number of tokens validated")
	a.issued, _ = o.meter.Counter(MetricTokensIssued, "Total number of tokens issued")
	a.denied, _ = o.meter.Counter(MetricAccessDenied, "Requests rejected by access rules")

	o.logger.Info("authenticator created",
		clog.String("signing_method", cfg.SigningMethod),
		clog.Int("public_paths", len(cfg.PublicPaths)),
		clog.Int("access_rules", len(cfg.AccessRules)))
	return a, nil
}

func (a *jwtAuth) GenerateToken(ctx context.Context, claims *Claims) (string, error) {
	if claims == nil || claims.Subject == "" {
		return "", ErrInvalidClaims
	}
	if a.keys.sign == nil {
		return "", ErrSigningKeyMissing
	}

	now := a.options.now()
	if claims.IssuedAt == nil {
		claims.IssuedAt = jwt.NewNumericDate(now)
	}
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(a.config.AccessTokenTTL))
	}
	if claims.Issuer == "" {
		claims.Issuer = a.config.Issuer
	}
	if len(claims.Audience) == 0 && a.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{a.config.Audience}
	}

	signed, err := jwt.NewWithClaims(a.method, claims).SignedString(a.keys.sign)
	if err != nil {
		a.count(ctx, a.issued, metrics.L("status", "error"))
		return "", xerrors.Wrap(err, "auth: sign token")
	}
	a.count(ctx, a.issued, metrics.L("status", "success"))
	return signed, nil
}

func (a *jwtAuth) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := a.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return a.keys.verify, nil
	})
	if err != nil {
		mapped, errType := classify(err)
		a.count(ctx, a.validated, metrics.L("status", "error"), metrics.L("error_type", errType))
		a.options.logger.DebugContext(ctx, "token rejected", clog.String("reason", errType), clog.Error(err))
		return nil, mapped
	}
	if claims.Subject == "" {
		a.count(ctx, a.validated, metrics.L("status", "error"), metrics.L("error_type", "invalid_claims"))
		return nil, ErrInvalidClaims
	}
	a.count(ctx, a.validated, metrics.L("status", "success"))
	return claims, nil
}

func classify(err error) (error, string) {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpiredToken, "expired"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrInvalidSignature, "invalid_signature"
	case errors.Is(err, jwt.ErrTokenInvalidClaims), errors.Is(err, jwt.ErrTokenRequiredClaimMissing),
		errors.Is(err, jwt.ErrTokenInvalidIssuer), errors.Is(err, jwt.ErrTokenInvalidAudience):
		return ErrInvalidClaims, "invalid_claims"
	default:
		return ErrInvalidToken, "invalid_token"
	}
}

func (a *jwtAuth) IsPublic(path string) bool {
	path = CleanPath(path)
	for _, p := range a.config.PublicPaths {
		if MatchPath(p, path) {
			return true
		}
	}
	return false
}

func (a *jwtAuth) Authorize(ctx context.Context, method, path string, claims *Claims) error {
	if claims == nil {
		return ErrMissingToken
	}
	path = CleanPath(path)
	i := firstMatch(a.config.AccessRules, method, path)
	if i < 0 {
		return nil
	}
	rule := a.config.AccessRules[i]
	if len(rule.Roles) == 0 || claims.HasAnyRole(rule.Roles...) {
		return nil
	}
	a.count(ctx, a.denied, metrics.L("rule", rule.Path))
	return xerrors.Wrapf(ErrForbidden, "%s %s requires one of %v", method, path, rule.Roles)
}

// ExtractToken 按 TokenLookup 从请求中提取 token
func (a *jwtAuth) ExtractToken(r *http.Request) (string, error) {
	source, key, ok := strings.Cut(a.config.TokenLookup, ":")
	if !ok {
		return "", ErrMissingToken
	}

	switch source {
	case "header":
		h := r.Header.Get(key)
		if h == "" {
			return "", ErrMissingToken
		}
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, a.config.TokenHeadName) || strings.TrimSpace(token) == "" {
			return "", ErrInvalidToken
		}
		return strings.TrimSpace(token), nil
	case "query":
		if token := r.URL.Query().Get(key); token != "" {
			return token, nil
		}
		return "", ErrMissingToken
	case "cookie":
		cookie, err := r.Cookie(key)
		if err != nil || cookie.Value == "" {
			return "", ErrMissingToken
		}
		return cookie.Value, nil
	default:
		return "", ErrMissingToken
	}
}

func (a *jwtAuth) count(ctx context.Context, c metrics.Counter, labels ...metrics.Label) {
	if c != nil {
		c.Inc(ctx, labels...)
	}
}
