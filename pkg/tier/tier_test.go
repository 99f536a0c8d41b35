package tier

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTableValid(t *testing.T) {
	require.NoError(t, DefaultTable().Validate())
}

func TestTableValidate(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		assert.Error(t, Table{}.Validate())
	})

	t.Run("unknown resource", func(t *testing.T) {
		bad := Table{
			TierFree: {Resource("max_gadgets"): {Limit: 5}},
		}
		assert.Error(t, bad.Validate())
	})

	t.Run("negative limit", func(t *testing.T) {
		bad := Table{
			TierFree: {ResourceMaxAgents: {Limit: -1}},
		}
		assert.Error(t, bad.Validate())
	})
}

func TestLoadTable(t *testing.T) {
	t.Run("valid file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tiers.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
free:
  max_agents:
    limit: 2
  daily_messages:
    limit: 100
  custom_templates:
    allowed: false
enterprise:
  max_agents:
    limit: 500
  custom_templates:
    allowed: true
`), 0o644))

		table, err := LoadTable(path)
		require.NoError(t, err)
		assert.Equal(t, int64(2), table[TierFree][ResourceMaxAgents].Limit)
		assert.True(t, table[TierEnterprise][ResourceCustomTemplates].Allowed)
	})

	t.Run("unknown resource rejected at load", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tiers.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
free:
  max_gadgets:
    limit: 2
`), 0o644))

		_, err := LoadTable(path)
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadTable(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}

func TestSpec(t *testing.T) {
	kind, window, code, ok := Spec(ResourceDailyEmbeddingTokens)
	require.True(t, ok)
	assert.Equal(t, LimitQuota, kind)
	assert.Equal(t, WindowDay, window)
	assert.Equal(t, "EMBEDDING_QUOTA", code)

	kind, _, _, ok = Spec(ResourceMaxAgents)
	require.True(t, ok)
	assert.Equal(t, LimitCount, kind)

	kind, _, _, ok = Spec(ResourceCustomTemplates)
	require.True(t, ok)
	assert.Equal(t, LimitCapability, kind)

	_, _, _, ok = Spec(Resource("max_gadgets"))
	assert.False(t, ok)
}

func TestWindowKey(t *testing.T) {
	at := time.Date(2026, 8, 24, 10, 42, 0, 0, time.UTC)

	assert.Equal(t, "2026-08-24", WindowKey(WindowDay, at))
	assert.Equal(t, "2026-08-24T10", WindowKey(WindowHour, at))

	// Non-UTC input lands in the UTC window
	loc := time.FixedZone("plus5", 5*3600)
	assert.Equal(t, "2026-08-23", WindowKey(WindowDay, time.Date(2026, 8, 24, 3, 0, 0, 0, loc)))
}

func TestWindowTTLOutlivesWindow(t *testing.T) {
	assert.Greater(t, WindowTTL(WindowDay), 24*time.Hour)
	assert.Greater(t, WindowTTL(WindowHour), time.Hour)
}
