package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/clearlinux/dbginfo/internal/mirror"
)

func TestResolveURLsDefaultsWhenUnset(t *testing.T) {
	os.Unsetenv(EnvURLs)
	assert.Equal(t, mirror.DefaultURLs, ResolveURLs())
}

func TestResolveURLsOverriddenByEnv(t *testing.T) {
	t.Setenv(EnvURLs, "https://a/ https://b/")
	assert.Equal(t, []string{"https://a/", "https://b/"}, ResolveURLs())
}

func TestSocketDefaultUsesEnvWhenSet(t *testing.T) {
	t.Setenv(EnvSocket, "custom-tag")
	assert.Equal(t, "custom-tag", socketDefault())
}
