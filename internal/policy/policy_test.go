package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSchemeFor(t *testing.T) {
	tests := []struct {
		version int
		want    Scheme
	}{
		{version: 0, want: LegacyDirect},
		{version: 21, want: LegacyDirect},
		{version: 28, want: LegacyDirect},
		{version: 29, want: MediaStoreRedirect},
		{version: 30, want: ScopedTree},
		{version: 34, want: ScopedTree},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SchemeFor(tt.version), "version %d", tt.version)
	}
}

func TestSchemeHelpers(t *testing.T) {
	assert.True(t, RequiresStoragePermission(LegacyDirect))
	assert.True(t, RequiresStoragePermission(ScopedTree))
	assert.False(t, RequiresStoragePermission(MediaStoreRedirect))

	assert.False(t, ShowsPicker(MediaStoreRedirect))
	assert.True(t, ShowsPicker(ScopedTree))
	assert.False(t, TakesPersistableGrant(MediaStoreRedirect))

	assert.False(t, UsesMediaBroker(28))
	assert.True(t, UsesMediaBroker(29))
	assert.True(t, UsesMediaBroker(33))

	assert.False(t, SupportsInitialLocation(25))
	assert.True(t, SupportsInitialLocation(26))
}

func TestScheme_String(t *testing.T) {
	assert.Equal(t, "legacy-direct", LegacyDirect.String())
	assert.Equal(t, "scoped-tree", ScopedTree.String())
	assert.Equal(t, "media-store-redirect", MediaStoreRedirect.String())
	assert.Equal(t, "Scheme(9)", Scheme(9).String())
}
