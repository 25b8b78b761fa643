// Package confstore 提供带版本的配置键值存储，是 Config Service 的持久层。
//
// 每个条目由坐标 (application, profile, label) 加 key 唯一确定。每次写入生成新版本，
// 历史版本保留用于回滚。三种后端：
//   - file: 只读，从目录中的 YAML 文件加载，文件变化时自动重载
//   - etcd: 当前值与历史版本分别存放，写入在同一事务中完成，通过 etcd watch 感知变化
//   - sql:  gorm 单表，每个版本一行，current 标记当前值
//
// 文件后端目录布局：
//
//	<root>/<app>.yaml                  profile=default
//	<root>/<app>-<profile>.yaml
//	<root>/<label>/<app>[-<profile>].yaml
//
// 嵌套的 YAML 键以 "." 展开，列表元素展开为 key[i]。profile 名中不能含 "-"。
//
// 基本使用：
//
//	store, _ := confstore.New(&confstore.Config{
//	    Driver: confstore.DriverFile,
//	    File:   confstore.FileConfig{Root: "./config-repo"},
//	}, confstore.WithLogger(logger))
//	defer store.Close()
//
//	entries, _ := store.Layer(ctx, confstore.Coordinates{Application: "patient-service", Profile: "dev"})
package confstore

import (
	"context"
	"strings"
	"time"

	"github.com/ceyewan/hms-plane/clog"
	"github.com/ceyewan/hms-plane/xerrors"
)

const (
	// GlobalApplication 所有应用共享的默认配置
	GlobalApplication = "application"
	// DefaultProfile 未指定 profile 时使用
	DefaultProfile = "default"
)

// Coordinates 一层配置的坐标，Label 为空表示不带标签
type Coordinates struct {
	Application string `json:"application"`
	Profile     string `json:"profile"`
	Label       string `json:"label,omitempty"`
}

func (c Coordinates) String() string {
	s := c.Application + "/" + c.Profile
	if c.Label != "" {
		s += "/" + c.Label
	}
	return s
}

// normalize 补全默认 profile 并校验各段
func (c Coordinates) normalize() (Coordinates, error) {
	if c.Profile == "" {
		c.Profile = DefaultProfile
	}
	if err := validSegment("application", c.Application, true); err != nil {
		return c, err
	}
	if err := validSegment("profile", c.Profile, true); err != nil {
		return c, err
	}
	if err := validSegment("label", c.Label, false); err != nil {
		return c, err
	}
	if c.Label == labelPlaceholder {
		return c, xerrors.Wrapf(ErrInvalidKey, "label %q is reserved", labelPlaceholder)
	}
	return c, nil
}

func validSegment(name, v string, required bool) error {
	if v == "" {
		if required {
			return xerrors.Wrapf(ErrInvalidKey, "%s is required", name)
		}
		return nil
	}
	if strings.ContainsAny(v, "/\\") || strings.TrimSpace(v) != v {
		return xerrors.Wrapf(ErrInvalidKey, "%s %q contains illegal characters", name, v)
	}
	return nil
}

// Entry 一个配置项的某个版本
type Entry struct {
	Application string    `json:"application"`
	Profile     string    `json:"profile"`
	Label       string    `json:"label,omitempty"`
	Key         string    `json:"key"`
	Value       string    `json:"value"`
	Version     int64     `json:"version"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Coordinates 条目所在的层
func (e Entry) Coordinates() Coordinates {
	return Coordinates{Application: e.Application, Profile: e.Profile, Label: e.Label}
}

// Change 某个应用的配置发生了变化
type Change struct {
	Application string    `json:"application"`
	At          time.Time `json:"at"`
}

// Store 配置存储
type Store interface {
	// Layer 返回一层的全部当前条目，按 key 排序；该层不存在时返回空切片
	Layer(ctx context.Context, c Coordinates) ([]Entry, error)

	// HasApplication 应用是否有任何配置
	HasApplication(ctx context.Context, app string) (bool, error)

	// Put 写入新版本
	Put(ctx context.Context, c Coordinates, key, value string) (Entry, error)

	// Delete 删除当前值，历史保留
	Delete(ctx context.Context, c Coordinates, key string) error

	// History 返回某个 key 的全部版本，按版本升序
	History(ctx context.Context, c Coordinates, key string) ([]Entry, error)

	// Rollback 以指定历史版本的值写入一个新版本
	Rollback(ctx context.Context, c Coordinates, key string, version int64) (Entry, error)

	// Changes 变更通知，Close 后关闭
	Changes() <-chan Change

	// Close 停止后台监听
	Close() error
}

// DriverType 后端类型
type DriverType string

const (
	DriverFile DriverType = "file"
	DriverEtcd DriverType = "etcd"
	DriverSQL  DriverType = "sql"
)

// New 创建配置存储
func New(cfg *Config, opts ...Option) (Store, error) {
	if cfg == nil {
		return nil, ErrConfigNil
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	o := applyOptions(opts...)

	var (
		s   Store
		err error
	)
	switch cfg.Driver {
	case DriverFile:
		s, err = newFileStore(&cfg.File, o)
	case DriverEtcd:
		if o.etcdConn == nil {
			return nil, xerrors.Wrap(ErrConnectorNil, "etcd driver requires WithEtcdConnector")
		}
		s, err = newEtcdStore(&cfg.Etcd, o)
	case DriverSQL:
		if o.sqlConn == nil {
			return nil, xerrors.Wrap(ErrConnectorNil, "sql driver requires WithSQLConnector")
		}
		s, err = newSQLStore(&cfg.SQL, o)
	default:
		return nil, xerrors.Wrapf(ErrInvalidConfig, "unsupported driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	o.logger.Info("config store opened", clog.String("driver", string(cfg.Driver)))
	return s, nil
}

func validKey(key string) error {
	if key == "" {
		return xerrors.Wrap(ErrInvalidKey, "key is required")
	}
	if strings.ContainsAny(key, "/\\ \t\n") {
		return xerrors.Wrapf(ErrInvalidKey, "key %q contains illegal characters", key)
	}
	return nil
}
