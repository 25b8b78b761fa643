package gateway

import (
	"context"
	"strings"
	"sync"
	"time"
)

// pools 每个下游实例一个信号量，限制并发转发数。键为 service/address。
type pools struct {
	size int
	wait time.Duration

	mu  sync.Mutex
	sem map[string]chan struct{}
}

func newPools(size int, wait time.Duration) *pools {
	return &pools{size: size, wait: wait, sem: make(map[string]chan struct{})}
}

func (p *pools) get(key string) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sem[key]
	if !ok {
		s = make(chan struct{}, p.size)
		p.sem[key] = s
	}
	return s
}

// acquire 获取实例名额，返回释放函数。size 为 0 时不限制。
func (p *pools) acquire(ctx context.Context, key string) (func(), error) {
	if p.size <= 0 {
		return func() {}, nil
	}
	s := p.get(key)
	release := func() { <-s }

	select {
	case s <- struct{}{}:
		return release, nil
	default:
	}
	if p.wait <= 0 {
		return nil, errPoolExhausted
	}

	timer := time.NewTimer(p.wait)
	defer timer.Stop()
	select {
	case s <- struct{}{}:
		return release, nil
	case <-timer.C:
		return nil, errPoolExhausted
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// inUse 当前占用数
func (p *pools) inUse(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sem[key]; ok {
		return len(s)
	}
	return 0
}

func poolKey(service, addr string) string {
	return service + "/" + addr
}

// prune 服务实例列表变化后移除已下线实例的信号量，占用中的保留
func (p *pools) prune(service string, live []string) {
	keep := make(map[string]struct{}, len(live))
	for _, addr := range live {
		keep[poolKey(service, addr)] = struct{}{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, s := range p.sem {
		if !strings.HasPrefix(key, service+"/") {
			continue
		}
		if _, ok := keep[key]; !ok && len(s) == 0 {
			delete(p.sem, key)
		}
	}
}
