package discovery

import "github.com/ceyewan/hms-plane/registry"

// RegisterRequest POST /register 请求体
type RegisterRequest struct {
	ServiceName string            `json:"serviceName"`
	InstanceID  string            `json:"instanceId"`
	Address     string            `json:"address"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// RegisterResponse POST /register 响应体
type RegisterResponse struct {
	LeaseID        string `json:"leaseId"`
	InstanceID     string `json:"instanceId"`
	LeaseTimeoutMs int64  `json:"leaseTimeoutMs"`
}

// StatusRequest PUT /status/{svc}/{id} 请求体
type StatusRequest struct {
	Status registry.Status `json:"status"`
}

// WatchResponse GET /watch 响应体
type WatchResponse = registry.WatchResult
