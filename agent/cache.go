package agent

import (
	"strings"
	"sync"

	"github.com/ceyewan/hms-plane/registry"
)

// cache 注册表的本地镜像，保留所有状态的实例，按注册顺序排列
type cache struct {
	mu       sync.RWMutex
	epoch    string
	version  uint64
	synced   bool // 是否收到过完整快照
	services map[string][]*registry.ServiceInstance
}

func newCache() *cache {
	return &cache{services: make(map[string][]*registry.ServiceInstance)}
}

func (c *cache) cursor() (uint64, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version, c.epoch
}

// fingerprint UP 实例的摘要，用于判断是否需要通知
func fingerprint(list []*registry.ServiceInstance) string {
	var b strings.Builder
	for _, in := range list {
		if in.Status == registry.StatusUp {
			b.WriteString(in.InstanceID)
			b.WriteByte('@')
			b.WriteString(in.Address)
			b.WriteByte(';')
		}
	}
	return b.String()
}

func (c *cache) fingerprintsLocked() map[string]string {
	out := make(map[string]string, len(c.services))
	for svc, list := range c.services {
		out[svc] = fingerprint(list)
	}
	return out
}

func diffFingerprints(before, after map[string]string) []string {
	var changed []string
	for svc, fp := range after {
		if before[svc] != fp {
			changed = append(changed, svc)
		}
	}
	for svc, fp := range before {
		if _, ok := after[svc]; !ok && fp != "" {
			changed = append(changed, svc)
		}
	}
	return changed
}

// replace 用完整快照覆盖，返回 UP 列表变化的服务。
// 同一 epoch 下比本地更旧的快照直接丢弃。
func (c *cache) replace(epoch string, version uint64, services map[string][]*registry.ServiceInstance) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.synced && epoch == c.epoch && version < c.version {
		return nil
	}
	before := c.fingerprintsLocked()
	c.services = make(map[string][]*registry.ServiceInstance, len(services))
	for svc, list := range services {
		c.services[svc] = append([]*registry.ServiceInstance(nil), list...)
	}
	c.epoch, c.version, c.synced = epoch, version, true
	return diffFingerprints(before, c.fingerprintsLocked())
}

// applyEvents 按版本顺序应用增量
func (c *cache) applyEvents(epoch string, version uint64, events []registry.Event) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	before := c.fingerprintsLocked()
	for _, ev := range events {
		if ev.Instance == nil {
			continue
		}
		in := ev.Instance
		list := c.services[in.ServiceName]
		idx := -1
		for i, cur := range list {
			if cur.InstanceID == in.InstanceID {
				idx = i
				break
			}
		}
		switch ev.Type {
		case registry.EventAdded, registry.EventModified:
			if idx >= 0 {
				list[idx] = in
			} else {
				list = append(list, in)
			}
			c.services[in.ServiceName] = list
		case registry.EventDeleted:
			if idx >= 0 {
				list = append(list[:idx:idx], list[idx+1:]...)
			}
			if len(list) == 0 {
				delete(c.services, in.ServiceName)
			} else {
				c.services[in.ServiceName] = list
			}
		}
	}
	c.epoch, c.version = epoch, version
	return diffFingerprints(before, c.fingerprintsLocked())
}

// seed 冷启动时单个服务的查询结果，完整快照到达后被覆盖
func (c *cache) seed(svc string, list []*registry.ServiceInstance) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.synced {
		return false
	}
	if _, ok := c.services[svc]; ok {
		return false
	}
	c.services[svc] = append([]*registry.ServiceInstance{}, list...)
	return true
}

// up 服务的 UP 实例副本。known 为 false 表示本地没有该服务的任何信息。
func (c *cache) up(svc string) (list []*registry.ServiceInstance, known bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	all, ok := c.services[svc]
	list = make([]*registry.ServiceInstance, 0, len(all))
	for _, in := range all {
		if in.Status == registry.StatusUp {
			list = append(list, in.Clone())
		}
	}
	return list, ok || c.synced
}

func (c *cache) allUp() map[string][]*registry.ServiceInstance {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string][]*registry.ServiceInstance, len(c.services))
	for svc, all := range c.services {
		list := make([]*registry.ServiceInstance, 0, len(all))
		for _, in := range all {
			if in.Status == registry.StatusUp {
				list = append(list, in.Clone())
			}
		}
		out[svc] = list
	}
	return out
}
