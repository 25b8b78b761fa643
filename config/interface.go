// Package config 为 hms-plane 的各个进程提供统一的配置加载能力，基于 Viper 实现。
//
// 配置来源与优先级（高到低）：
//   - 环境变量：<PREFIX>_A_B 对应 key a.b
//   - .env 文件（godotenv，不覆盖已有环境变量）
//   - 环境特定文件：<name>.<ENV>.yaml，ENV 取自 <PREFIX>_ENV
//   - 基础文件：<name>.yaml
//
// 基本使用：
//
//	loader := config.MustLoad(&config.Config{Name: "gateway", Paths: []string{"./configs"}})
//
//	var cfg gateway.Config
//	if err := loader.UnmarshalKey("gateway", &cfg); err != nil {
//		panic(err)
//	}
//
//	// 路由表热更新
//	ch, _ := loader.Watch(ctx, "gateway.routes")
//	for event := range ch {
//		...
//	}
package config

import (
	"context"
	"time"
)

// Loader 定义配置加载器的核心行为
type Loader interface {
	// Load 加载配置并开始监听文件变化
	Load(ctx context.Context) error

	// Get 获取原始配置值
	Get(key string) any

	// Unmarshal 将整个配置反序列化到结构体
	Unmarshal(v any) error

	// UnmarshalKey 将指定 Key 的配置反序列化到结构体
	UnmarshalKey(key string, v any) error

	// Watch 监听配置变化，ctx 取消后通道关闭
	Watch(ctx context.Context, key string) (<-chan Event, error)

	// Validate 验证当前配置的有效性
	Validate() error
}

// Event 配置变更事件
type Event struct {
	Key       string
	Value     any
	OldValue  any
	Source    string // "file" | "env"
	Timestamp time.Time
}
