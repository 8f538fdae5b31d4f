package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectToDB_RunsMigrations(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "relay.db")

	db, err := ConnectToDB(ctx, path, zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"tool_servers", "conversation_turns"} {
		var name string
		err := db.QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&name)
		require.NoError(t, err, table)
		assert.Equal(t, table, name)
	}
}

func TestMigrate_IsRepeatable(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "relay.db")

	db, err := ConnectToDB(ctx, path, zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()

	assert.NoError(t, Migrate(ctx, db, zerolog.Nop()))
}
