package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPlanConfigHolderReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plans.yml")
	content := `
plans:
  - id: free
    name: Free
    credits: 5
    renewal: daily
    modes: [fast]
  - id: pro
    name: Pro
    credits: 900
    renewal: monthly
    modes: [fast, deep]
    stripePriceIds: [price_pro]
costs:
  fast: 1
  deep: 4
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	holder, err := NewPlanConfigHolder(Config{PlansConfigPath: path})
	require.NoError(t, err)

	cfg := holder.Get()
	require.Len(t, cfg.Plans, 2)
	assert.Equal(t, int64(5), cfg.Plans[0].Credits)
	assert.Equal(t, []string{"price_pro"}, cfg.Plans[1].StripePriceIDs)
	assert.Equal(t, int64(4), cfg.Costs["deep"])
}

func TestNewPlanConfigHolderRejectsMissingFree(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plans.yml")
	content := `
plans:
  - id: pro
    credits: 900
    renewal: monthly
    modes: [fast, deep]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := NewPlanConfigHolder(Config{PlansConfigPath: path})
	assert.Error(t, err)
}

func TestDefaultPlanConfigIsValid(t *testing.T) {
	assert.NoError(t, ValidatePlanConfig(DefaultPlanConfig()))
}
