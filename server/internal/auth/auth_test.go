package auth

import (
	"io"
	"log"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func newTestGuard(t *testing.T, key string) *Guard {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash key: %v", err)
	}
	return NewGuard(string(hash), log.New(io.Discard, "", 0))
}

// TestGuardDisabledTrustsRoles 验证未配置哈希时角色原样通过。
func TestGuardDisabledTrustsRoles(t *testing.T) {
	g := NewGuard("", nil)
	if g.Enabled() {
		t.Fatalf("expected guard disabled")
	}
	if got := g.ResolveRole("s1", "controller", ""); got != "controller" {
		t.Fatalf("expected controller, got %s", got)
	}
}

// TestGuardDemotesWithoutValidKey 验证特权角色需要正确密钥。
func TestGuardDemotesWithoutValidKey(t *testing.T) {
	g := newTestGuard(t, "s3cret")

	if got := g.ResolveRole("s1", "controller", "s3cret"); got != "controller" {
		t.Fatalf("expected controller with valid key, got %s", got)
	}
	if got := g.ResolveRole("s1", "operator", "wrong"); got != RoleViewer {
		t.Fatalf("expected demotion with wrong key, got %s", got)
	}
	if got := g.ResolveRole("s1", "admin", ""); got != RoleViewer {
		t.Fatalf("expected demotion without key, got %s", got)
	}
	if got := g.ResolveRole("s1", "viewer", ""); got != "viewer" {
		t.Fatalf("non-privileged roles pass through, got %s", got)
	}
}

// TestHashKeyRoundTrip 验证 HashKey 生成的哈希可被 VerifyKey 接受。
func TestHashKeyRoundTrip(t *testing.T) {
	hash, err := HashKey("deck-master")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !VerifyKey("deck-master", hash) || VerifyKey("other", hash) {
		t.Fatalf("unexpected verification result")
	}
}
