package persistence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"papertrader/pkg/db"
)

func newJournalDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))
	return database
}

func TestWriterFlushesBatch(t *testing.T) {
	database := newJournalDB(t)
	w := NewWriter(database.DB, zap.NewNop(), 10, time.Hour)
	defer w.Close()

	w.Enqueue(`INSERT INTO portfolios (id) VALUES (?)`, "p1")
	w.Enqueue(`INSERT INTO holdings (portfolio_id, asset_id, amount, average_cost) VALUES (?, ?, ?, ?)`,
		"p1", "BTC", "1", "100")
	assert.Equal(t, 2, w.Pending())

	require.NoError(t, w.Flush())
	assert.Equal(t, 0, w.Pending())

	var n int
	require.NoError(t, database.DB.QueryRow(`SELECT COUNT(*) FROM holdings`).Scan(&n))
	assert.Equal(t, 1, n)

	m := w.Metrics()
	assert.Equal(t, uint64(2), m.TotalWrites)
	assert.Equal(t, uint64(1), m.TotalBatches)
}

func TestWriterRetriesThenDrops(t *testing.T) {
	database := newJournalDB(t)
	w := NewWriter(database.DB, zap.NewNop(), 10, time.Hour)
	defer w.Close()

	w.Enqueue(`INSERT INTO no_such_table (x) VALUES (?)`, 1)

	for i := 0; i < 4; i++ {
		assert.Error(t, w.Flush())
		assert.Equal(t, 1, w.Pending(), "op stays queued while attempts remain")
	}
	// Fifth failure exhausts the attempt budget.
	assert.Error(t, w.Flush())
	assert.Equal(t, 0, w.Pending())
	assert.Equal(t, uint64(1), w.Metrics().TotalDropped)
}

func TestCloseFlushesPendingWrites(t *testing.T) {
	database := newJournalDB(t)
	w := NewWriter(database.DB, zap.NewNop(), 10, time.Hour)

	w.Enqueue(`INSERT INTO portfolios (id) VALUES (?)`, "p1")
	require.NoError(t, w.Close())

	var n int
	require.NoError(t, database.DB.QueryRow(`SELECT COUNT(*) FROM portfolios`).Scan(&n))
	assert.Equal(t, 1, n)
}
