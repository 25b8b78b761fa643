package auth

import (
	"path"
	"strings"
)

// AccessRule 方法 + 路径模式的访问规则。
// Methods 为空匹配所有方法；Roles 为空时只要求已认证。
type AccessRule struct {
	Methods []string `mapstructure:"methods" yaml:"methods" json:"methods"`
	Path    string   `mapstructure:"path" yaml:"path" json:"path"`
	Roles   []string `mapstructure:"roles" yaml:"roles" json:"roles"`
}

// Matches 规则是否命中请求
func (r AccessRule) Matches(method, path string) bool {
	if len(r.Methods) > 0 {
		hit := false
		for _, m := range r.Methods {
			if strings.EqualFold(m, method) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return MatchPath(r.Path, path)
}

// MatchPath 按段匹配路径模式：
// "*" 匹配恰好一段，"**" 匹配零或多段，其余段逐字比较。
func MatchPath(pattern, path string) bool {
	return matchSegments(splitPath(pattern), splitPath(path))
}

func matchSegments(pat, segs []string) bool {
	for len(pat) > 0 {
		switch pat[0] {
		case "**":
			if len(pat) == 1 {
				return true
			}
			for i := 0; i <= len(segs); i++ {
				if matchSegments(pat[1:], segs[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(segs) == 0 {
				return false
			}
		default:
			if len(segs) == 0 || pat[0] != segs[0] {
				return false
			}
		}
		pat, segs = pat[1:], segs[1:]
	}
	return len(segs) == 0
}

// CleanPath 折叠 "."、".." 和重复斜杠，保留末尾斜杠，空路径视为 "/"
func CleanPath(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		p = "/" + p
	}
	cleaned := path.Clean(p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// firstMatch 返回第一个命中的规则下标，未命中返回 -1
func firstMatch(rules []AccessRule, method, path string) int {
	for i, r := range rules {
		if r.Matches(method, path) {
			return i
		}
	}
	return -1
}
