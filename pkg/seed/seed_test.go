package seed

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"papertrader/pkg/db"
)

const sampleYAML = `
strategies:
  - name: weekly btc
    user_email: demo@example.com
    kind: DCA
    asset_id: BTC
    amount: "100"
    enabled: true
    parameters:
      interval_seconds: 604800
  - name: eth golden cross
    user_email: demo@example.com
    kind: MOVING_AVERAGE
    asset_id: ETH
    amount: "250"
    enabled: false
    parameters:
      short_period: 20
      long_period: 50
`

func writeSeedFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "strategies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAndApply(t *testing.T) {
	database, err := db.New(":memory:")
	require.NoError(t, err)
	defer database.Close()
	require.NoError(t, db.ApplyMigrations(database))

	entries, err := Load(writeSeedFile(t, sampleYAML))
	require.NoError(t, err)
	require.Len(t, entries, 2)

	ctx := context.Background()
	require.NoError(t, Apply(ctx, database, entries, zap.NewNop()))

	user, err := database.GetUserByEmail(ctx, "demo@example.com")
	require.NoError(t, err)
	require.NotNil(t, user)

	strategies, err := database.ListStrategies(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, strategies, 2)
	byKind := map[string]db.Strategy{}
	for _, st := range strategies {
		byKind[st.Kind] = st
	}
	assert.True(t, byKind[db.KindDCA].Enabled)
	assert.False(t, byKind[db.KindMovingAverage].Enabled)

	// Re-applying is idempotent per entry id, not duplicating users.
	entries[0].ID = byKind[db.KindDCA].ID
	require.NoError(t, Apply(ctx, database, entries, zap.NewNop()))
	users := 0
	row := database.DB.QueryRow(`SELECT COUNT(*) FROM users`)
	require.NoError(t, row.Scan(&users))
	assert.Equal(t, 1, users)
}

func TestApplyRejectsInvalidConfig(t *testing.T) {
	database, err := db.New(":memory:")
	require.NoError(t, err)
	defer database.Close()
	require.NoError(t, db.ApplyMigrations(database))

	bad := `
strategies:
  - name: inverted ma
    user_email: demo@example.com
    kind: MOVING_AVERAGE
    asset_id: ETH
    amount: "250"
    enabled: true
    parameters:
      short_period: 50
      long_period: 20
`
	entries, err := Load(writeSeedFile(t, bad))
	require.NoError(t, err)
	assert.Error(t, Apply(context.Background(), database, entries, zap.NewNop()))
}
