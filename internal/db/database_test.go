package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitDBValidation(t *testing.T) {
	_, err := InitDB(context.Background(), DriverSQLite, "")
	assert.Error(t, err)

	_, err = InitDB(context.Background(), "mysql", "root@/chat")
	assert.Error(t, err)

	assert.Error(t, MigrateDB(context.Background(), nil))
}

func TestMigrateSQLiteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn, err := InitDB(ctx, DriverSQLite, ":memory:")
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, MigrateDB(ctx, conn))
	require.NoError(t, MigrateDB(ctx, conn))

	var tables []string
	require.NoError(t, conn.SelectContext(ctx, &tables,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name IN ('users', 'messages') ORDER BY name`))
	assert.Equal(t, []string{"messages", "users"}, tables)
}
