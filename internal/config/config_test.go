package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestDefaultLimits(t *testing.T) {
	l := DefaultLimits()
	assert.Equal(t, 100*1024, l.MaxCodeBytes)
	assert.Equal(t, 1000, l.MaxQuestionChars)
	assert.Equal(t, 50, l.MaxLanguageChars)
	assert.Equal(t, 500, l.DisplayMaxLines)
	assert.Equal(t, 350, l.DisplayHeadLines)
	assert.Equal(t, 150, l.DisplayTailLines)
	assert.Equal(t, 8*time.Second, l.AutoInterval)
	assert.Equal(t, 5*time.Second, l.ExplicitInterval)
	assert.Equal(t, 60, l.CallsPerMinute)
	assert.Equal(t, 3, l.PermitsPerUser)
	assert.Equal(t, 15*time.Minute, l.CacheTTL)
	assert.Equal(t, 10*time.Second, l.GatewayTimeout)
	assert.Equal(t, time.Hour, l.IdleEvictAfter)
	assert.Equal(t, 10_000, l.MaxConnections)
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("X_DUR", "250ms")
	assert.Equal(t, 250*time.Millisecond, getEnvDuration("X_DUR", time.Second))

	t.Setenv("X_DUR", "12")
	assert.Equal(t, 12*time.Second, getEnvDuration("X_DUR", time.Second))

	t.Setenv("X_DUR", "nonsense")
	assert.Equal(t, time.Second, getEnvDuration("X_DUR", time.Second))
}

func TestGetEnvPairs(t *testing.T) {
	t.Setenv("X_PAIRS", "tok1:alice, tok2 : bob ,broken,:nouser")
	got := getEnvPairs("X_PAIRS")
	assert.Equal(t, map[string]string{"tok1": "alice", "tok2": "bob"}, got)
}

func TestParsePolicy_AppliesOverrides(t *testing.T) {
	doc := []byte(`
default_tier = "basic"

[tiers]
alice = "pro"
bob = "none"

[limits]
auto_interval_seconds = 10
calls_per_minute = 30
cache_ttl_seconds = 60
`)
	p, err := ParsePolicy(doc)
	require.NoError(t, err)

	c := &Config{DefaultTier: "none", UserTiers: map[string]string{"carol": "basic"}, Limits: DefaultLimits()}
	c.ApplyPolicy(p)

	assert.Equal(t, "basic", c.DefaultTier)
	assert.Equal(t, map[string]string{"alice": "pro", "bob": "none", "carol": "basic"}, c.UserTiers)
	assert.Equal(t, 10*time.Second, c.Limits.AutoInterval)
	assert.Equal(t, 5*time.Second, c.Limits.ExplicitInterval)
	assert.Equal(t, 30, c.Limits.CallsPerMinute)
	assert.Equal(t, time.Minute, c.Limits.CacheTTL)
}

func TestParsePolicy_RejectsInvalid(t *testing.T) {
	_, err := ParsePolicy([]byte("default_tier = "))
	assert.Error(t, err)
}

func TestApplyPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.toml")
	require.NoError(t, os.WriteFile(path, []byte("[tiers]\ndave = \"pro\"\n"), 0o644))

	c := &Config{Limits: DefaultLimits()}
	require.NoError(t, c.ApplyPolicyFile(path))
	assert.Equal(t, "pro", c.UserTiers["dave"])

	assert.Error(t, c.ApplyPolicyFile(filepath.Join(t.TempDir(), "missing.toml")))
}

func TestReadPolicy_YAMLMatchesTOML(t *testing.T) {
	dir := t.TempDir()
	tomlPath := filepath.Join(dir, "policy.toml")
	yamlPath := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(tomlPath, []byte(`
default_tier = "basic"

[tiers]
alice = "pro"

[limits]
permits_per_user = 2
gateway_timeout_seconds = 4
`), 0o644))
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
default_tier: basic
tiers:
  alice: pro
limits:
  permits_per_user: 2
  gateway_timeout_seconds: 4
`), 0o644))

	fromTOML, err := ReadPolicy(tomlPath)
	require.NoError(t, err)
	fromYAML, err := ReadPolicy(yamlPath)
	require.NoError(t, err)

	if diff := cmp.Diff(fromTOML, fromYAML); diff != "" {
		t.Fatalf("policy mismatch (-toml +yaml):\n%s", diff)
	}
}

func TestTiers_ReloadKeepsEnvironmentEntries(t *testing.T) {
	c := &Config{
		envDefaultTier: "none",
		envTiers:       map[string]string{"carol": "basic", "alice": "basic"},
	}

	def, tiers := c.Tiers(&PolicyFile{DefaultTier: "basic", Tiers: map[string]string{"alice": "pro"}})
	assert.Equal(t, "basic", def)
	assert.Equal(t, map[string]string{"alice": "pro", "carol": "basic"}, tiers)

	def, tiers = c.Tiers(nil)
	assert.Equal(t, "none", def)
	assert.Equal(t, map[string]string{"alice": "basic", "carol": "basic"}, tiers)
	assert.Equal(t, "basic", c.envTiers["alice"], "environment tiers are not mutated")
}

func TestWatchPolicy_ReloadsOnWrite(t *testing.T) {
	defer goleak.VerifyNone(t)

	path := filepath.Join(t.TempDir(), "policy.toml")
	require.NoError(t, os.WriteFile(path, []byte("default_tier = \"none\"\n"), 0o644))

	var latest atomic.Pointer[PolicyFile]
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- WatchPolicy(ctx, path, func(p *PolicyFile) { latest.Store(p) })
	}()

	// The watcher may not be registered yet, so rewrite now and then. Writes
	// are spaced wider than the debounce window.
	tick := 0
	assert.Eventually(t, func() bool {
		if tick%5 == 0 {
			_ = os.WriteFile(path, []byte("[tiers]\nerin = \"pro\"\n"), 0o644)
		}
		tick++
		p := latest.Load()
		return p != nil && p.Tiers["erin"] == "pro"
	}, 5*time.Second, 100*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestFindDotEnvPath_StopsAtModuleRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "go.mod"), []byte("module x\n"), 0o644))
	sub := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	t.Chdir(sub)

	_, ok := findDotEnvPath()
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(filepath.Join(root, "a", ".env"), []byte("X=1\n"), 0o644))
	path, ok := findDotEnvPath()
	assert.True(t, ok)
	assert.Equal(t, filepath.Join(root, "a", ".env"), path)
}
