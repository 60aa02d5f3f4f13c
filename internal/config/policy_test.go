package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writePolicy(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestLoadPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yml")
	writePolicy(t, path, "engine:\n  precedence: credit_first\n  rolloverCap: none\n")

	holder, err := LoadPolicyFile(path, zap.NewNop())
	require.NoError(t, err)

	got := holder.Get()
	assert.Equal(t, domain.PrecedenceCreditFirst, got.Precedence)
	assert.Equal(t, domain.OverageCap, got.DefaultOverage)
	assert.Equal(t, "none", got.RolloverCap)
}

func TestLoadPolicyFileRejectsUnknownPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yml")
	writePolicy(t, path, "engine:\n  precedence: newest_first\n")

	_, err := LoadPolicyFile(path, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine.precedence")
}

func TestPolicyReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yml")
	writePolicy(t, path, "engine:\n  defaultOverage: cap\n")

	holder, err := LoadPolicyFile(path, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, domain.OverageCap, holder.Get().DefaultOverage)

	writePolicy(t, path, "engine:\n  defaultOverage: reject\n")
	assert.Eventually(t, func() bool {
		return holder.Get().DefaultOverage == domain.OverageReject
	}, 5*time.Second, 20*time.Millisecond)
}

func TestNilHolderFallsBackToDefaults(t *testing.T) {
	var holder *PolicyHolder
	assert.Equal(t, DefaultPolicy(), holder.Get())
}
