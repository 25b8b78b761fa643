package auth

import "github.com/ceyewan/hms-plane/xerrors"

func unauthorized(msg string) error {
	return xerrors.WithCode(xerrors.Wrap(xerrors.ErrUnauthorized, msg), xerrors.CodeUnauthorized)
}

var (
	ErrMissingToken     = unauthorized("auth: missing token")
	ErrInvalidToken     = unauthorized("auth: invalid token")
	ErrExpiredToken     = unauthorized("auth: token expired")
	ErrInvalidSignature = unauthorized("auth: invalid signature")
	ErrInvalidClaims    = unauthorized("auth: invalid claims")

	// ErrForbidden 已认证但角色不满足访问规则
	ErrForbidden = xerrors.WithCode(xerrors.Wrap(xerrors.ErrForbidden, "auth: access denied"), xerrors.CodeForbidden)

	// ErrInvalidConfig 配置或密钥无效
	ErrInvalidConfig = xerrors.WithCode(xerrors.Wrap(xerrors.ErrInvalidInput, "auth: invalid config"), xerrors.CodeValidation)

	// ErrSigningKeyMissing RS256 未配置私钥时无法签发
	ErrSigningKeyMissing = xerrors.Wrap(ErrInvalidConfig, "signing key not configured")
)
