// Package payload 提供对客户端 JSON 负载（map[string]any）的宽松取值工具。
//
// 历史客户端对同一字段使用过多个键名，这里用“有序别名列表”做兼容层：
// 按优先级依次尝试，命中第一个存在且可解析的键即返回，绝不猜测。
package payload

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Aliases 是某个逻辑字段可接受的键名，按优先级排列。
type Aliases []string

// Lookup 返回第一个存在（且非 null）的别名取值。
func (a Aliases) Lookup(m map[string]any) (any, string, bool) {
	for _, key := range a {
		if v, ok := m[key]; ok && v != nil {
			return v, key, true
		}
	}
	return nil, "", false
}

// Present 返回第一个存在的别名（即使值为 null）。
func (a Aliases) Present(m map[string]any) (any, string, bool) {
	for _, key := range a {
		if v, ok := m[key]; ok {
			return v, key, true
		}
	}
	return nil, "", false
}

// Float 按别名顺序取第一个可转为数字的值。
func (a Aliases) Float(m map[string]any) (float64, bool) {
	for _, key := range a {
		v, ok := m[key]
		if !ok || v == nil {
			continue
		}
		if f, ok := ToFloat(v); ok {
			return f, true
		}
	}
	return 0, false
}

// ToFloat 把 JSON 解码得到的值转换为 float64，数字字符串也接受。
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return finite(n)
	case float32:
		return finite(float64(n))
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return finite(f)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return finite(f)
	default:
		return 0, false
	}
}

func finite(f float64) (float64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// ToInt 把取值转换为整数；非整数的小数视为失败。
func ToInt(v any) (int64, bool) {
	switch n := v.(type) {
	case bool:
		return 0, false
	case string:
		s := strings.TrimSpace(n)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, true
		}
	}
	f, ok := ToFloat(v)
	if !ok || f != math.Trunc(f) || math.Abs(f) > math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

// Truthy 模拟宽松的布尔语义：零值、空串、空集合为 false。
func Truthy(v any) bool {
	switch b := v.(type) {
	case nil:
		return false
	case bool:
		return b
	case string:
		return b != ""
	case []any:
		return len(b) > 0
	case map[string]any:
		return len(b) > 0
	}
	if f, ok := ToFloat(v); ok {
		return f != 0
	}
	return true
}

// String 返回字符串值；非字符串返回 false。
func String(m map[string]any, key string) (string, bool) {
	s, ok := m[key].(string)
	return s, ok
}

// Map 返回嵌套对象；缺失或类型不符时返回空 map，便于调用方直接取值。
func Map(m map[string]any, key string) map[string]any {
	if nested, ok := m[key].(map[string]any); ok {
		return nested
	}
	return map[string]any{}
}
