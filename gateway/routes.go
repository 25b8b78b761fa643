package gateway

import (
	"slices"
	"strings"
	"time"

	"github.com/ceyewan/hms-plane/xerrors"
)

// route 编译后的路由
type route struct {
	RouteRule
	prefix string
}

// routeTable 不可变，更新时整体替换
type routeTable struct {
	routes []*route // 按前缀长度降序
}

func compileRoutes(rules []RouteRule) (*routeTable, error) {
	t := &routeTable{}
	ids := make(map[string]struct{}, len(rules))
	for i, r := range rules {
		if !strings.HasPrefix(r.PathPrefix, "/") {
			return nil, xerrors.Wrapf(ErrInvalidConfig, "routes[%d]: path_prefix %q must start with /", i, r.PathPrefix)
		}
		if r.ServiceName == "" {
			return nil, xerrors.Wrapf(ErrInvalidConfig, "routes[%d]: service_name is required", i)
		}
		if r.StripPrefix < 0 || r.Timeout < 0 || (r.Retries != nil && *r.Retries < 0) {
			return nil, xerrors.Wrapf(ErrInvalidConfig, "routes[%d]: negative strip_prefix, timeout or retries", i)
		}
		if r.Rewrite != nil && !strings.HasPrefix(r.Rewrite.From, "/") {
			return nil, xerrors.Wrapf(ErrInvalidConfig, "routes[%d]: rewrite.from must start with /", i)
		}
		rt := &route{RouteRule: r, prefix: cleanPrefix(r.PathPrefix)}
		if rt.ID == "" {
			rt.ID = rt.prefix
		}
		if _, dup := ids[rt.ID]; dup {
			return nil, xerrors.Wrapf(ErrInvalidConfig, "routes[%d]: duplicate id %q", i, rt.ID)
		}
		ids[rt.ID] = struct{}{}
		t.routes = append(t.routes, rt)
	}
	slices.SortStableFunc(t.routes, func(a, b *route) int {
		return len(b.prefix) - len(a.prefix)
	})
	return t, nil
}

// match 最长前缀匹配，前缀只在路径段边界上生效：/api/patients 不匹配 /api/patientsx
func (t *routeTable) match(path string) (*route, bool) {
	for _, r := range t.routes {
		if matchPrefix(r.prefix, path) {
			return r, true
		}
	}
	return nil, false
}

func matchPrefix(prefix, path string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

// targetPath 依次执行 StripPrefix 与 Rewrite
func (r *route) targetPath(path string) string {
	if r.StripPrefix > 0 {
		segs := strings.Split(strings.TrimPrefix(path, "/"), "/")
		if r.StripPrefix >= len(segs) {
			path = "/"
		} else {
			path = "/" + strings.Join(segs[r.StripPrefix:], "/")
		}
	}
	if r.Rewrite != nil && matchPrefix(cleanPrefix(r.Rewrite.From), path) {
		path = r.Rewrite.To + strings.TrimPrefix(path, cleanPrefix(r.Rewrite.From))
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
	}
	return path
}

func (r *route) timeout(def time.Duration) time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return def
}

func (r *route) retries(def int) int {
	if r.Retries != nil {
		return *r.Retries
	}
	return def
}
