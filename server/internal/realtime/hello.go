package realtime

import (
	"strings"

	"muloom/server/internal/payload"
)

const (
	defaultDeckID = "default"
	unknownRole   = "unknown"
)

// helloInfo 是从 hello 帧解析出的会话属性。
type helloInfo struct {
	DeckID      string
	ClientID    string
	Role        string
	Key         string
	SupportsAck bool
}

// parseHello 解析 hello；legacy 客户端传入空 map。
// 角色：clientInfo.role，其后被顶层 role 覆盖。
func parseHello(sessionID string, hello map[string]any) helloInfo {
	info := helloInfo{
		DeckID:   defaultDeckID,
		ClientID: sessionID,
		Role:     unknownRole,
	}
	if id := stringValue(hello["deckId"]); id != "" {
		info.DeckID = id
	}
	if id := stringValue(hello["clientId"]); id != "" {
		info.ClientID = id
	}
	if clientInfo, ok := hello["clientInfo"].(map[string]any); ok {
		if role, ok := clientInfo["role"].(string); ok {
			info.Role = role
		}
	}
	if role, ok := hello["role"].(string); ok {
		info.Role = role
	}
	info.Key, _ = hello["key"].(string)

	info.SupportsAck = featuresSupportAck(hello["features"])
	if !info.SupportsAck {
		for _, key := range []string{"supportsAck", "requireAck", "acks", "ack"} {
			if payload.Truthy(hello[key]) {
				info.SupportsAck = true
				break
			}
		}
	}
	return info
}

// featuresSupportAck 支持三种写法：["ack"]、{"ack": true} 或真值标量。
func featuresSupportAck(features any) bool {
	switch f := features.(type) {
	case nil:
		return false
	case []any:
		for _, item := range f {
			if s, ok := item.(string); ok && strings.EqualFold(s, "ack") {
				return true
			}
		}
		return false
	case map[string]any:
		return payload.Truthy(f["ack"]) || payload.Truthy(f["acks"])
	default:
		return payload.Truthy(f)
	}
}
