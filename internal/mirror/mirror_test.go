package mirror

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRotatorRejectsEmpty(t *testing.T) {
	_, err := NewRotator(nil)
	assert.ErrorIs(t, err, ErrNoURLs)
}

func TestParseURLsEnv(t *testing.T) {
	got := ParseURLsEnv("  https://a/  https://b/\thttps://c/ ")
	assert.Equal(t, []string{"https://a/", "https://b/", "https://c/"}, got)
}

func TestRotationAfterKDemotions(t *testing.T) {
	r, err := NewRotator([]string{"https://a/", "https://b/", "https://c/"})
	require.NoError(t, err)

	assert.Equal(t, "https://a/", r.Base())

	const k = 7
	for i := 0; i < k; i++ {
		r.Demote()
	}
	assert.Equal(t, uint64(k), r.Count())
	assert.Equal(t, r.urls[k%r.N()], r.Base())
}

func TestArtifactURLLayout(t *testing.T) {
	r, err := NewRotator([]string{"https://cdn/debuginfo/"})
	require.NoError(t, err)

	got := r.ArtifactURL("lib", "/foo/bar.debug")
	assert.Equal(t, "https://cdn/debuginfo/lib//foo/bar.debug.tar", got)
}

func TestShouldDemote(t *testing.T) {
	assert.False(t, ShouldDemote(200))
	assert.False(t, ShouldDemote(300))
	assert.False(t, ShouldDemote(304))
	assert.False(t, ShouldDemote(404))
	assert.True(t, ShouldDemote(500))
	assert.True(t, ShouldDemote(418))
	assert.True(t, ShouldDemote(0))
}

func TestDemoteConcurrentSafe(t *testing.T) {
	r, err := NewRotator([]string{"https://a/", "https://b/"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	const n = 200
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			r.Demote()
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(n), r.Count())
}
