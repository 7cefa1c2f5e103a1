// Package auth 校验控制端密钥，决定 hello 中自报的特权角色是否可信。
package auth

import (
	"log"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// RoleViewer 是降级后的默认角色。
const RoleViewer = "viewer"

// privilegedRoles 可以修改共享状态的角色。
var privilegedRoles = map[string]bool{
	"controller": true,
	"admin":      true,
	"operator":   true,
}

// IsPrivileged 判断角色是否需要密钥。
func IsPrivileged(role string) bool {
	return privilegedRoles[role]
}

// HashKey 用 bcrypt 生成密钥哈希，写入 auth.controller_key_hash。
func HashKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyKey 校验明文密钥与哈希是否匹配。
func VerifyKey(key, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}

// Guard 在握手时裁决角色。未配置哈希时信任客户端自报角色。
type Guard struct {
	hash   string
	logger *log.Logger
}

func NewGuard(hash string, logger *log.Logger) *Guard {
	if logger == nil {
		logger = log.Default()
	}
	return &Guard{hash: strings.TrimSpace(hash), logger: logger}
}

// Enabled 是否启用了密钥校验。
func (g *Guard) Enabled() bool {
	return g != nil && g.hash != ""
}

// ResolveRole 返回最终生效的角色：特权角色缺少或携带错误密钥时降级为 viewer。
func (g *Guard) ResolveRole(sessionID, role, key string) string {
	if !g.Enabled() || !IsPrivileged(role) {
		return role
	}
	if key != "" && VerifyKey(key, g.hash) {
		return role
	}
	g.logger.Printf("[Auth] ⚠️ session=%s claimed role=%s without a valid key; demoted to %s", sessionID, role, RoleViewer)
	return RoleViewer
}
