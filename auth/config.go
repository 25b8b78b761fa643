package auth

import (
	"crypto/rsa"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ceyewan/hms-plane/xerrors"
)

// 支持的签名算法
const (
	MethodHS256 = "HS256"
	MethodRS256 = "RS256"
)

// DefaultPublicPaths 无需认证的路径
var DefaultPublicPaths = []string{
	"/api/auth/login",
	"/api/auth/register",
	"/api/auth/refresh",
	"/api/auth/logout",
	"/actuator/health",
	"/actuator/health/**",
}

// Config 认证配置。
// RS256 只需公钥即可验证；签发 token 时才需要私钥。
type Config struct {
	SigningMethod string `mapstructure:"signing_method" yaml:"signing_method" json:"signingMethod"` // HS256 | RS256，默认按密钥推断

	// HS256
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key" json:"-"` // 至少 32 字符

	// RS256，PEM 内容与文件二选一
	PublicKey      string `mapstructure:"public_key" yaml:"public_key" json:"-"`
	PublicKeyFile  string `mapstructure:"public_key_file" yaml:"public_key_file" json:"publicKeyFile"`
	PrivateKey     string `mapstructure:"private_key" yaml:"private_key" json:"-"`
	PrivateKeyFile string `mapstructure:"private_key_file" yaml:"private_key_file" json:"privateKeyFile"`

	Issuer   string        `mapstructure:"issuer" yaml:"issuer" json:"issuer"`
	Audience string        `mapstructure:"audience" yaml:"audience" json:"audience"`
	Leeway   time.Duration `mapstructure:"leeway" yaml:"leeway" json:"leeway"` // 时钟偏差容忍

	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl" yaml:"access_token_ttl" json:"accessTokenTTL"` // 默认 15m

	// TokenLookup 形如 "header:Authorization"、"query:token"、"cookie:jwt"
	TokenLookup   string `mapstructure:"token_lookup" yaml:"token_lookup" json:"tokenLookup"`
	TokenHeadName string `mapstructure:"token_head_name" yaml:"token_head_name" json:"tokenHeadName"` // 默认 Bearer

	// PublicPaths 跳过认证的路径模式，支持 * 与 **，为空时使用 DefaultPublicPaths
	PublicPaths []string `mapstructure:"public_paths" yaml:"public_paths" json:"publicPaths"`
	// AccessRules 按顺序匹配，首个命中的规则生效；都不命中时只要求已认证
	AccessRules []AccessRule `mapstructure:"access_rules" yaml:"access_rules" json:"accessRules"`
}

func (c *Config) setDefaults() {
	if c.SigningMethod == "" {
		if c.PublicKey != "" || c.PublicKeyFile != "" {
			c.SigningMethod = MethodRS256
		} else {
			c.SigningMethod = MethodHS256
		}
	}
	if c.AccessTokenTTL == 0 {
		c.AccessTokenTTL = 15 * time.Minute
	}
	if c.TokenLookup == "" {
		c.TokenLookup = "header:Authorization"
	}
	if c.TokenHeadName == "" {
		c.TokenHeadName = "Bearer"
	}
	if c.PublicPaths == nil {
		c.PublicPaths = append([]string(nil), DefaultPublicPaths...)
	}
}

func (c *Config) validate() error {
	switch c.SigningMethod {
	case MethodHS256:
		if c.SecretKey == "" {
			return xerrors.Wrap(ErrInvalidConfig, "secret_key is required for HS256")
		}
		if len(c.SecretKey) < 32 {
			return xerrors.Wrap(ErrInvalidConfig, "secret_key must be at least 32 characters")
		}
	case MethodRS256:
		if c.PublicKey == "" && c.PublicKeyFile == "" {
			return xerrors.Wrap(ErrInvalidConfig, "public_key or public_key_file is required for RS256")
		}
	default:
		return xerrors.Wrapf(ErrInvalidConfig, "unsupported signing_method %q", c.SigningMethod)
	}
	if c.AccessTokenTTL <= 0 {
		return xerrors.Wrap(ErrInvalidConfig, "access_token_ttl must be positive")
	}
	for i, r := range c.AccessRules {
		if r.Path == "" {
			return xerrors.Wrapf(ErrInvalidConfig, "access_rules[%d]: path is required", i)
		}
	}
	return nil
}

// keys 解析后的签名与验签密钥
type keys struct {
	verify any // []byte 或 *rsa.PublicKey
	sign   any // []byte 或 *rsa.PrivateKey，RS256 未配置私钥时为 nil
}

func (c *Config) loadKeys() (*keys, error) {
	if c.SigningMethod == MethodHS256 {
		secret := []byte(c.SecretKey)
		return &keys{verify: secret, sign: secret}, nil
	}

	pubPEM, err := pemSource(c.PublicKey, c.PublicKeyFile)
	if err != nil {
		return nil, err
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM(pubPEM)
	if err != nil {
		return nil, xerrors.Wrapf(xerrors.Join(ErrInvalidConfig, err), "parse rsa public key")
	}
	k := &keys{verify: pub}

	privPEM, err := pemSource(c.PrivateKey, c.PrivateKeyFile)
	if err != nil {
		return nil, err
	}
	if len(privPEM) > 0 {
		var priv *rsa.PrivateKey
		if priv, err = jwt.ParseRSAPrivateKeyFromPEM(privPEM); err != nil {
			return nil, xerrors.Wrapf(xerrors.Join(ErrInvalidConfig, err), "parse rsa private key")
		}
		k.sign = priv
	}
	return k, nil
}

func pemSource(inline, file string) ([]byte, error) {
	if inline != "" {
		return []byte(inline), nil
	}
	if file == "" {
		return nil, nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, xerrors.Wrapf(xerrors.Join(ErrInvalidConfig, err), "read key file %s", file)
	}
	return data, nil
}
