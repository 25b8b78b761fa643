package agent

import (
	"context"
	"net/http"

	"github.com/ceyewan/hms-plane/auth"
)

// CorrelationHeader 关联 ID 请求头
const CorrelationHeader = "X-Correlation-ID"

// User 请求所代表的用户，由网关注入的 X-User-* 头解析而来
type User struct {
	ID    string
	Role  string
	Email string
}

type ctxKey string

const (
	userKey ctxKey = "user"
	// CorrelationIDKey ctx 中关联 ID 的键，可交给 clog.WithContextField 输出到日志
	CorrelationIDKey ctxKey = "correlation_id"
)

// WithUser 把用户上下文放入 ctx，服务间调用时转发
func WithUser(ctx context.Context, u User) context.Context {
	return context.WithValue(ctx, userKey, u)
}

// UserFromContext 取出用户上下文
func UserFromContext(ctx context.Context) (User, bool) {
	u, ok := ctx.Value(userKey).(User)
	return u, ok
}

// UserFromRequest 读取网关注入的用户头
func UserFromRequest(r *http.Request) (User, bool) {
	u := User{
		ID:    r.Header.Get(auth.HeaderUserID),
		Role:  r.Header.Get(auth.HeaderUserRole),
		Email: r.Header.Get(auth.HeaderUserEmail),
	}
	return u, u.ID != ""
}

// WithCorrelationID 把关联 ID 放入 ctx
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, id)
}

// CorrelationIDFromContext 取出关联 ID
func CorrelationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(CorrelationIDKey).(string)
	return id
}

// Middleware 把入站请求的用户头与关联 ID 放入请求上下文，供 NewHTTPClient 转发
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if u, ok := UserFromRequest(r); ok {
			ctx = WithUser(ctx, u)
		}
		if id := r.Header.Get(CorrelationHeader); id != "" {
			ctx = WithCorrelationID(ctx, id)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
