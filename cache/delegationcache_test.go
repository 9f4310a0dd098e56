package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelegationCacheClosestEnclosing(t *testing.T) {
	c := NewDelegationCache()
	c.Put(".", []string{"a.root-servers.net."}, nil, time.Hour)
	c.Put("com.", []string{"a.gtld-servers.net."}, nil, time.Hour)

	snap, ok := c.ClosestEnclosing("www.example.com.")
	require.True(t, ok)
	assert.Equal(t, "com.", snap.Zone, "must return the deepest cached ancestor, not the root")
}

func TestDelegationCacheFallsBackToRoot(t *testing.T) {
	c := NewDelegationCache()
	c.Put(".", []string{"a.root-servers.net."}, nil, time.Hour)

	snap, ok := c.ClosestEnclosing("www.example.com.")
	require.True(t, ok)
	assert.Equal(t, ".", snap.Zone)
}

func TestDelegationCacheExpiredEntrySkipped(t *testing.T) {
	c := NewDelegationCache()
	c.Put(".", []string{"a.root-servers.net."}, nil, time.Hour)
	// Install an already-expired snapshot directly, since Put's ttl>0
	// precondition can't itself express a past expiration.
	c.shards.Set("com.", DPSnapshot{
		Zone:     "com.",
		NSOwners: []string{"a.gtld-servers.net."},
		expires:  time.Now().Add(-time.Second),
	})

	snap, ok := c.ClosestEnclosing("example.com.")
	require.True(t, ok)
	assert.Equal(t, ".", snap.Zone, "an expired delegation must not be returned even though it is a closer match")
}

func TestDelegationCacheEmpty(t *testing.T) {
	c := NewDelegationCache()
	_, ok := c.ClosestEnclosing("example.com.")
	assert.False(t, ok)
}
