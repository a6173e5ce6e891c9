// Package testutil provides test utilities for database setup.
package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/FreeSideNomad/messaging-platform-sub000/internal/store/sqlite"
)

// NewTestStore creates an in-memory platform store with the full schema
// applied. The store is closed when the test finishes.
func NewTestStore(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}
