package database

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationNamesSorted(t *testing.T) {
	names, err := MigrationNames()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_collaborators.sql", names[0])
	assert.IsIncreasing(t, names)
}

func TestIsSerializationFailure(t *testing.T) {
	assert.True(t, IsSerializationFailure(fmt.Errorf("commit tx: %w", &pgconn.PgError{Code: "40001"})))
	assert.False(t, IsSerializationFailure(&pgconn.PgError{Code: "23505"}))
	assert.False(t, IsSerializationFailure(errors.New("plain")))
	assert.False(t, IsSerializationFailure(nil))
}

func TestPendingKeepsOrder(t *testing.T) {
	names := []string{"001_collaborators.sql", "002_orders.sql", "003_payments.sql", "004_finance.sql"}
	got := Pending(names, map[string]bool{"001_collaborators.sql": true, "003_payments.sql": true})
	assert.Equal(t, []string{"002_orders.sql", "004_finance.sql"}, got)
	assert.Empty(t, Pending(names, map[string]bool{
		"001_collaborators.sql": true, "002_orders.sql": true, "003_payments.sql": true, "004_finance.sql": true,
	}))
}

func TestEmbeddedMigrationsIncludeOrderCoupons(t *testing.T) {
	names, err := MigrationNames()
	require.NoError(t, err)
	assert.Equal(t, "006_order_coupons.sql", names[len(names)-1])
}
