package configsvc

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	"github.com/ceyewan/hms-plane/confstore"
)

// PropertySource 一层配置，Name 形如 app/profile[/label]
type PropertySource struct {
	Name   string            `json:"name"`
	Source map[string]string `json:"source"`
}

// Snapshot 某个 (application, profile, label) 的合并视图。
// PropertySources 按优先级从高到低排列，Properties 为合并结果。
type Snapshot struct {
	Application     string            `json:"application"`
	Profile         string            `json:"profile"`
	Label           string            `json:"label,omitempty"`
	ETag            string            `json:"etag"`
	Generation      uint64            `json:"generation"`
	PropertySources []PropertySource  `json:"propertySources"`
	Properties      map[string]string `json:"properties"`
	ResolvedAt      time.Time         `json:"resolvedAt"`
}

// Get 读取合并后的属性
func (s *Snapshot) Get(key string) (string, bool) {
	if s == nil {
		return "", false
	}
	v, ok := s.Properties[key]
	return v, ok
}

// layerPlan 从高到低的层坐标，profile 为 default 时应用层与 profile 层重合
func layerPlan(app, profile, label string) []confstore.Coordinates {
	var plan []confstore.Coordinates
	if label != "" {
		plan = append(plan, confstore.Coordinates{Application: app, Profile: profile, Label: label})
	}
	if profile != confstore.DefaultProfile {
		plan = append(plan, confstore.Coordinates{Application: app, Profile: profile})
	}
	plan = append(plan, confstore.Coordinates{Application: app, Profile: confstore.DefaultProfile})
	if app != confstore.GlobalApplication {
		plan = append(plan, confstore.Coordinates{Application: confstore.GlobalApplication, Profile: confstore.DefaultProfile})
	}
	return plan
}

// merge 低优先级先写，高优先级覆盖
func merge(sources []PropertySource) map[string]string {
	out := make(map[string]string)
	for i := len(sources) - 1; i >= 0; i-- {
		for k, v := range sources[i].Source {
			out[k] = v
		}
	}
	return out
}

// computeETag 对规范化的来源列表求 sha256，仅取决于内容
func computeETag(sources []PropertySource) string {
	h := sha256.New()
	for _, src := range sources {
		h.Write([]byte(src.Name))
		h.Write([]byte{0})
		keys := make([]string, 0, len(src.Source))
		for k := range src.Source {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			h.Write([]byte(k))
			h.Write([]byte{'='})
			h.Write([]byte(src.Source[k]))
			h.Write([]byte{0})
		}
		h.Write([]byte{1})
	}
	return hex.EncodeToString(h.Sum(nil))
}
