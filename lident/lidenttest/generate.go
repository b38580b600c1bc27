// Package lidenttest provides identity fixtures for tests.
package lidenttest

import (
	"testing"
	"time"

	"github.com/lynx-engine/lynx/lident"
	"github.com/stretchr/testify/require"
)

// NewIdentity generates a throwaway identity valid for one hour,
// failing the test on error.
func NewIdentity(t *testing.T) *lident.Identity {
	t.Helper()

	id, err := lident.Generate(time.Hour)
	require.NoError(t, err)
	return id
}

// NewIdentities generates n distinct throwaway identities.
func NewIdentities(t *testing.T, n int) []*lident.Identity {
	t.Helper()

	ids := make([]*lident.Identity, n)
	for i := range ids {
		ids[i] = NewIdentity(t)
	}
	return ids
}
