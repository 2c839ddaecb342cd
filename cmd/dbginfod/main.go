// Command dbginfod is the privileged fetch daemon: it listens on an
// abstract Unix socket (or inherits one via socket activation), downloads
// and extracts debug-info artifacts on request, and otherwise runs
// unprivileged.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/clearlinux/dbginfo/internal/config"
	"github.com/clearlinux/dbginfo/internal/fetchd"
)

func main() {
	cfg := &config.FetchDaemonConfig{}
	log := logrus.New()

	root := &cobra.Command{
		Use:   "dbginfod",
		Short: "on-demand debug-info fetch daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg, log)
		},
	}
	config.RegisterFetchDaemonFlags(root.Flags(), cfg)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfg *config.FetchDaemonConfig, log *logrus.Logger) error {
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	if cfg.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	urls := cfg.URLs
	if len(urls) == 0 {
		urls = config.ResolveURLs()
	}

	for prefix, root := range cfg.CacheRoot {
		if err := fetchd.EnsureCacheRoot(root, fetchd.ServiceAccount); err != nil {
			return fmt.Errorf("dbginfod: cache root for %q: %w", prefix, err)
		}
	}

	srv, err := fetchd.New(cfg.SocketTag, fetchd.CacheRoots(cfg.CacheRoot), urls, cfg.TmpDir, log)
	if err != nil {
		return fmt.Errorf("dbginfod: %w", err)
	}

	ln, err := srv.Listen()
	if err != nil {
		return fmt.Errorf("dbginfod: listen: %w", err)
	}

	if err := fetchd.DropPrivileges(fetchd.ServiceAccount); err != nil {
		ln.Close()
		return fmt.Errorf("dbginfod: dropping privileges: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	log.WithField("socket", cfg.SocketTag).Info("listening")
	return srv.Serve(ctx, ln)
}
