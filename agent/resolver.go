package agent

import (
	"context"
	"strings"
	"sync"

	"google.golang.org/grpc/resolver"

	"github.com/ceyewan/hms-plane/registry"
)

// Scheme gRPC 目标地址的 scheme，形如 hms:///patient-service
const Scheme = "hms"

// NewResolverBuilder 基于 Agent 缓存的 gRPC resolver.Builder。
//
//	conn, _ := grpc.NewClient("hms:///patient-service",
//	    grpc.WithResolvers(agent.NewResolverBuilder(a)),
//	    grpc.WithDefaultServiceConfig(`{"loadBalancingPolicy":"round_robin"}`))
func NewResolverBuilder(a Agent) resolver.Builder {
	return &resolverBuilder{agent: a}
}

type resolverBuilder struct {
	agent Agent

	once sync.Once
	mu   sync.Mutex
	subs map[*hmsResolver]struct{}
}

func (b *resolverBuilder) Scheme() string { return Scheme }

func (b *resolverBuilder) Build(target resolver.Target, cc resolver.ClientConn, _ resolver.BuildOptions) (resolver.Resolver, error) {
	service := target.Endpoint()
	if service == "" {
		service = strings.TrimPrefix(target.URL.Path, "/")
	}
	r := &hmsResolver{builder: b, agent: b.agent, service: service, cc: cc}

	// 所有 resolver 共享一个 Agent 回调
	b.once.Do(func() {
		b.subs = make(map[*hmsResolver]struct{})
		b.agent.OnChange(b.dispatch)
	})
	b.mu.Lock()
	b.subs[r] = struct{}{}
	b.mu.Unlock()

	r.ResolveNow(resolver.ResolveNowOptions{})
	return r, nil
}

func (b *resolverBuilder) dispatch(service string, instances []*registry.ServiceInstance) {
	b.mu.Lock()
	var targets []*hmsResolver
	for r := range b.subs {
		if r.service == service {
			targets = append(targets, r)
		}
	}
	b.mu.Unlock()
	for _, r := range targets {
		r.push(instances)
	}
}

func (b *resolverBuilder) remove(r *hmsResolver) {
	b.mu.Lock()
	delete(b.subs, r)
	b.mu.Unlock()
}

type hmsResolver struct {
	builder *resolverBuilder
	agent   Agent
	service string
	cc      resolver.ClientConn
}

// ResolveNow 从 Agent 缓存读取，缓存未命中时 Agent 会做一次有界查询
func (r *hmsResolver) ResolveNow(resolver.ResolveNowOptions) {
	list, err := r.agent.Resolve(context.Background(), r.service)
	if err != nil {
		r.cc.ReportError(err)
		return
	}
	r.push(list)
}

func (r *hmsResolver) push(instances []*registry.ServiceInstance) {
	addrs := make([]resolver.Address, 0, len(instances))
	for _, in := range instances {
		addrs = append(addrs, resolver.Address{Addr: in.Address, ServerName: in.ServiceName})
	}
	if err := r.cc.UpdateState(resolver.State{Addresses: addrs}); err != nil {
		// 空地址列表时 balancer 会返回错误，等待下一次变化
		return
	}
}

func (r *hmsResolver) Close() {
	r.builder.remove(r)
}
