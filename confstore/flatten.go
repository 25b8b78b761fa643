package confstore

import (
	"fmt"
	"sort"
	"strconv"

	"go.yaml.in/yaml/v2"
)

// parseYAML 把 YAML 文档展开为扁平的 key -> value
func parseYAML(data []byte) (map[string]string, error) {
	var root any
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	out := make(map[string]string)
	switch root.(type) {
	case nil:
		return out, nil
	case map[any]any, map[string]any:
		flatten("", root, out)
		return out, nil
	default:
		return nil, fmt.Errorf("top-level YAML node must be a mapping, got %T", root)
	}
}

func flatten(prefix string, node any, out map[string]string) {
	join := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "." + k
	}

	switch v := node.(type) {
	case map[any]any:
		for k, child := range v {
			flatten(join(fmt.Sprint(k)), child, out)
		}
	case map[string]any:
		for k, child := range v {
			flatten(join(k), child, out)
		}
	case []any:
		for i, child := range v {
			flatten(prefix+"["+strconv.Itoa(i)+"]", child, out)
		}
	case nil:
		out[prefix] = ""
	case string:
		out[prefix] = v
	default:
		out[prefix] = fmt.Sprint(v)
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
}
