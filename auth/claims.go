package auth

import (
	"encoding/json"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims JWT 载荷。Subject 为用户 ID。
type Claims struct {
	jwt.RegisteredClaims

	Email    string `json:"email,omitempty"`
	Username string `json:"uname,omitempty"`
	// Role 兼容单个字符串 ("PATIENT") 与数组 (["ADMIN","DOCTOR"]) 两种写法
	Role Roles `json:"role,omitempty"`
}

// HasAnyRole 是否拥有任一角色
func (c *Claims) HasAnyRole(roles ...string) bool {
	for _, want := range roles {
		for _, have := range c.Role {
			if strings.EqualFold(want, have) {
				return true
			}
		}
	}
	return false
}

// Roles 角色列表
type Roles []string

// String 以逗号连接，用于 X-User-Role 头
func (r Roles) String() string {
	return strings.Join(r, ",")
}

// MarshalJSON 单个角色编码为字符串
func (r Roles) MarshalJSON() ([]byte, error) {
	if len(r) == 1 {
		return json.Marshal(r[0])
	}
	return json.Marshal([]string(r))
}

// UnmarshalJSON 接受字符串或字符串数组
func (r *Roles) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single == "" {
			*r = nil
		} else {
			*r = Roles{single}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*r = many
	return nil
}
