package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ceyewan/hms-plane/clog"
	"github.com/ceyewan/hms-plane/xerrors"
)

// 注入给下游服务的用户上下文头
const (
	HeaderUserID    = "X-User-ID"
	HeaderUserRole  = "X-User-Role"
	HeaderUserEmail = "X-User-Email"
)

// ClaimsKey gin.Context 中存放 *Claims 的键
const ClaimsKey = "auth:claims"

// GinMiddleware 认证中间件：
// 剥离入站的用户头，公开路径直接放行，其余请求验证 token、执行访问规则并注入用户头。
func (a *jwtAuth) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		req := c.Request
		StripUserHeaders(req.Header)

		if a.IsPublic(req.URL.Path) {
			c.Next()
			return
		}

		token, err := a.ExtractToken(req)
		if err != nil {
			abort(c, err)
			return
		}
		claims, err := a.ValidateToken(req.Context(), token)
		if err != nil {
			abort(c, err)
			return
		}
		if err := a.Authorize(req.Context(), req.Method, req.URL.Path, claims); err != nil {
			a.options.logger.InfoContext(req.Context(), "access denied",
				clog.String("user_id", claims.Subject),
				clog.String("role", claims.Role.String()),
				clog.String("method", req.Method),
				clog.String("path", req.URL.Path))
			abort(c, err)
			return
		}

		req.Header.Set(HeaderUserID, claims.Subject)
		req.Header.Set(HeaderUserRole, claims.Role.String())
		if claims.Email != "" {
			req.Header.Set(HeaderUserEmail, claims.Email)
		}
		c.Set(ClaimsKey, claims)
		c.Next()
	}
}

// StripUserHeaders 删除客户端伪造的用户上下文头
func StripUserHeaders(h http.Header) {
	h.Del(HeaderUserID)
	h.Del(HeaderUserRole)
	h.Del(HeaderUserEmail)
}

func abort(c *gin.Context, err error) {
	c.AbortWithStatusJSON(xerrors.HTTPStatus(err), xerrors.ToResponse(err))
}

// GetClaims 从 gin.Context 获取已验证的 Claims
func GetClaims(c *gin.Context) (*Claims, bool) {
	v, ok := c.Get(ClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}
