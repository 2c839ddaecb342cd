// Command dbginfofs mounts one shadow debug tree, triggering on-demand
// fetches from dbginfod as the kernel asks for attributes. One process
// handles exactly one prefix ("lib" or "src"); run it twice, once per
// prefix, the way the reference forks once per tree instead.
package main

import (
	"context"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/clearlinux/dbginfo/internal/config"
	"github.com/clearlinux/dbginfo/internal/fetchclient"
	"github.com/clearlinux/dbginfo/internal/shadowfs"
)

func main() {
	cfg := &config.ShadowFSConfig{}
	log := logrus.New()

	root := &cobra.Command{
		Use:   "dbginfofs",
		Short: "mount an on-demand debug-info shadow filesystem",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg, log)
		},
	}
	config.RegisterShadowFSFlags(root.Flags(), cfg)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfg *config.ShadowFSConfig, log *logrus.Logger) error {
	if cfg.Mount == "" || cfg.CacheRoot == "" {
		return fmt.Errorf("dbginfofs: --mount and --cache-root are required")
	}
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	if cfg.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	if err := os.MkdirAll(cfg.CacheRoot, 0o755); err != nil {
		return fmt.Errorf("dbginfofs: cache root: %w", err)
	}

	client := fetchclient.New(cfg.SocketTag)
	fs := shadowfs.New(cfg.CacheRoot, cfg.Prefix, client, log)
	server := fuseutil.NewFileSystemServer(fs)

	mfs, err := fuse.Mount(cfg.Mount, server, &fuse.MountConfig{
		ReadOnly:    false,
		ErrorLogger: stdlog.New(log.Writer(), "", 0),
		Options:     map[string]string{"allow_other": ""},
	})
	if err != nil {
		return fmt.Errorf("dbginfofs: mount %q: %w", cfg.Mount, err)
	}

	log.WithFields(logrus.Fields{"mount": cfg.Mount, "prefix": cfg.Prefix}).Info("mounted")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("unmounting")
		fuse.Unmount(cfg.Mount)
	}()

	return mfs.Join(context.Background())
}
