// Command txns-sweeper runs only the cleanup side of the transactions
// engine: it joins the client record, takes its partition of the ATR
// keyspace, and resolves abandoned attempts until stopped. Useful for
// draining a fleet's backlog without embedding the engine in an application.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/txns"
	"pkt.systems/txns/internal/storage"
	"pkt.systems/txns/internal/storage/memory"
	"pkt.systems/txns/internal/storage/s3"
)

func main() {
	os.Exit(submain(context.Background()))
}

func submain(ctx context.Context) int {
	logger := pslog.LoggerFromEnv(ctx,
		pslog.WithEnvPrefix("TXNS_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "txns-sweeper")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := newRootCommand(logger)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if err != context.Canceled {
			logger.Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(logger pslog.Logger) *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "txns-sweeper",
		Short:         "Resolve abandoned transaction attempts",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), logger, v)
		},
	}
	flags := cmd.Flags()
	addSweeperFlags(flags)

	v.SetEnvPrefix("TXNS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		panic(err)
	}
	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newConfigCommand())
	return cmd
}

func addSweeperFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "optional YAML config file")
	flags.String("store", "memory", "document store backend (memory|s3)")
	flags.String("s3-endpoint", "", "S3 endpoint host:port")
	flags.String("s3-region", "", "S3 region")
	flags.String("s3-bucket", "", "S3 bucket")
	flags.String("s3-prefix", "txns", "object key prefix")
	flags.String("s3-access-key", "", "S3 access key id")
	flags.String("s3-secret-key", "", "S3 secret key")
	flags.Bool("s3-insecure", false, "use plain HTTP against the endpoint")
	flags.Bool("s3-path-style", false, "force path-style bucket addressing")
	flags.String("metadata-collection", "default._default._default", "bucket.scope.collection hosting ATRs and the client record")
	flags.StringSlice("collections", nil, "additional bucket.scope.collection namespaces to scan")
	flags.Duration("window", txns.DefaultCleanupWindow, "cleanup cycle interval")
	flags.Duration("grace", txns.DefaultGracePeriod, "terminal entry compaction grace period")
	flags.Bool("once", false, "run a single cleanup cycle and exit")
}

func run(ctx context.Context, logger pslog.Logger, v *viper.Viper) error {
	if cfgFile := v.GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
	}

	store, err := buildStore(v)
	if err != nil {
		return err
	}
	defer store.Close()

	metaCol, err := parseCollection(v.GetString("metadata-collection"))
	if err != nil {
		return err
	}

	mgr, err := txns.New(txns.Config{
		Store:              store,
		MetadataCollection: metaCol,
		CleanupWindow:      v.GetDuration("window"),
		GracePeriod:        v.GetDuration("grace"),
		DisableCleanup:     true,
		Logger:             logger,
	})
	if err != nil {
		return err
	}
	defer mgr.Close()

	for _, raw := range v.GetStringSlice("collections") {
		col, err := parseCollection(raw)
		if err != nil {
			return err
		}
		mgr.ObserveCollection(col)
	}

	if v.GetBool("once") {
		return mgr.RunCleanupCycle(ctx)
	}

	logger.Info("sweeper started",
		"store", v.GetString("store"),
		"window", v.GetDuration("window").String(),
	)
	window := v.GetDuration("window")
	for {
		if err := mgr.RunCleanupCycle(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("cleanup cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(window):
		}
	}
}

func buildStore(v *viper.Viper) (storage.Store, error) {
	switch v.GetString("store") {
	case "memory":
		return memory.New(), nil
	case "s3":
		return s3.New(s3.Config{
			Endpoint:       v.GetString("s3-endpoint"),
			Region:         v.GetString("s3-region"),
			Bucket:         v.GetString("s3-bucket"),
			Prefix:         v.GetString("s3-prefix"),
			AccessKeyID:    v.GetString("s3-access-key"),
			SecretKey:      v.GetString("s3-secret-key"),
			Insecure:       v.GetBool("s3-insecure"),
			ForcePathStyle: v.GetBool("s3-path-style"),
		})
	default:
		return nil, fmt.Errorf("unknown store %q", v.GetString("store"))
	}
}

func parseCollection(raw string) (txns.Collection, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return txns.Collection{}, fmt.Errorf("collection %q: want bucket.scope.collection", raw)
	}
	return txns.Collection{Bucket: parts[0], Scope: parts[1], Collection: parts[2]}, nil
}
