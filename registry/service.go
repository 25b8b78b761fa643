package registry

import (
	"strings"
	"time"
)

// Status 实例状态
type Status string

const (
	StatusStarting     Status = "STARTING"
	StatusUp           Status = "UP"
	StatusDown         Status = "DOWN"
	StatusOutOfService Status = "OUT_OF_SERVICE"
)

// ParseStatus 解析状态字符串，大小写不敏感
func ParseStatus(s string) (Status, bool) {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusStarting, StatusUp, StatusDown, StatusOutOfService:
		return st, true
	}
	return "", false
}

// ServiceInstance 一个服务的一个运行副本，(ServiceName, InstanceID) 全局唯一
type ServiceInstance struct {
	ServiceName   string            `json:"serviceName"`
	InstanceID    string            `json:"instanceId"`
	Address       string            `json:"address"` // host:port
	Status        Status            `json:"status"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	LeaseID       string            `json:"leaseId,omitempty"`
	RegisteredAt  time.Time         `json:"registeredAt"`
	LastHeartbeat time.Time         `json:"lastHeartbeat"`
	DownSince     time.Time         `json:"downSince,omitzero"`

	// seq 首次注册顺序，同名服务内的稳定排序依据
	seq uint64
}

// Clone 深拷贝
func (s *ServiceInstance) Clone() *ServiceInstance {
	if s == nil {
		return nil
	}
	c := *s
	if s.Metadata != nil {
		c.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Key 实例的唯一键
func (s *ServiceInstance) Key() string {
	return instanceKey(s.ServiceName, s.InstanceID)
}

func instanceKey(service, id string) string {
	return service + "/" + id
}

// EventType 变更类型
type EventType string

const (
	EventAdded    EventType = "ADDED"
	EventModified EventType = "MODIFIED"
	EventDeleted  EventType = "DELETED"
)

// Event 一次成员或状态变更，每个事件对应一个版本号
type Event struct {
	Version  uint64           `json:"version"`
	Type     EventType        `json:"type"`
	Instance *ServiceInstance `json:"instance"`
}

// Snapshot 某一版本的完整注册表视图，只读
type Snapshot struct {
	Epoch    string                        `json:"epoch"`
	Version  uint64                        `json:"version"`
	Services map[string][]*ServiceInstance `json:"services"`
}

// WatchResult Watch 的返回：增量事件或完整快照
type WatchResult struct {
	Changed  bool                          `json:"changed"`
	Full     bool                          `json:"full"`
	Epoch    string                        `json:"epoch"`
	Version  uint64                        `json:"version"`
	Events   []Event                       `json:"events,omitempty"`
	Services map[string][]*ServiceInstance `json:"services,omitempty"`
}
