// Package config implements the defaults -> environment -> flags layering
// shared by both binaries, generalizing the reference's configure_urls().
package config

import (
	"os"

	"github.com/spf13/pflag"

	"github.com/clearlinux/dbginfo/internal/mirror"
)

// EnvURLs is the environment variable that overrides the compiled-in
// mirror list.
const EnvURLs = "CLR_DEBUGINFO_URLS"

// EnvSocket overrides the abstract socket tag, letting tests or
// operators run independent instances side by side.
const EnvSocket = "CLR_DEBUGINFO_SOCKET"

// FetchDaemonConfig holds the fully-resolved configuration for dbginfod.
type FetchDaemonConfig struct {
	SocketTag string
	URLs      []string
	CacheRoot map[string]string // prefix -> cache root
	TmpDir    string
	LogLevel  string
	LogFormat string
}

// RegisterFetchDaemonFlags wires cobra/pflag flags into cfg; it is called
// before the command executes, so parsing fills cfg.
func RegisterFetchDaemonFlags(flags *pflag.FlagSet, cfg *FetchDaemonConfig) {
	flags.StringVar(&cfg.SocketTag, "socket", socketDefault(), "abstract socket tag to listen on")
	flags.StringToStringVar(&cfg.CacheRoot, "cache-root", map[string]string{
		"lib": "/var/cache/debuginfo/lib",
		"src": "/var/cache/debuginfo/src",
	}, "prefix=path pairs for cache roots")
	flags.StringVar(&cfg.TmpDir, "tmp-dir", os.TempDir(), "directory for staging downloads")
	flags.StringVar(&cfg.LogLevel, "log-level", "info", "log level: debug, info, warn, error")
	flags.StringVar(&cfg.LogFormat, "log-format", "text", "log format: text or json")
}

func socketDefault() string {
	if v := os.Getenv(EnvSocket); v != "" {
		return v
	}
	return "clr-debug-info"
}

// ResolveURLs applies the env-override layer on top of mirror.DefaultURLs,
// matching configure_urls(): a non-empty CLR_DEBUGINFO_URLS replaces the
// compiled-in defaults wholesale.
func ResolveURLs() []string {
	if v := os.Getenv(EnvURLs); v != "" {
		if parsed := mirror.ParseURLsEnv(v); len(parsed) > 0 {
			return parsed
		}
	}
	return mirror.DefaultURLs
}

// ShadowFSConfig holds the fully-resolved configuration for one dbginfofs
// instance (one debug tree).
type ShadowFSConfig struct {
	Mount     string
	CacheRoot string
	Prefix    string
	SocketTag string
	LogLevel  string
	LogFormat string
}

// RegisterShadowFSFlags wires cobra/pflag flags into cfg.
func RegisterShadowFSFlags(flags *pflag.FlagSet, cfg *ShadowFSConfig) {
	flags.StringVar(&cfg.Mount, "mount", "", "debug tree mount point (required)")
	flags.StringVar(&cfg.CacheRoot, "cache-root", "", "cache root backing the mount (required)")
	flags.StringVar(&cfg.Prefix, "prefix", "lib", "prefix tag: lib or src")
	flags.StringVar(&cfg.SocketTag, "socket", socketDefault(), "fetch daemon abstract socket tag")
	flags.StringVar(&cfg.LogLevel, "log-level", "info", "log level: debug, info, warn, error")
	flags.StringVar(&cfg.LogFormat, "log-format", "text", "log format: text or json")
}
