package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/txns"
)

// sweeperConfig is the YAML shape of the --config file. Keys match the flag
// names so viper resolves either source the same way.
type sweeperConfig struct {
	Store              string   `yaml:"store"`
	S3Endpoint         string   `yaml:"s3-endpoint"`
	S3Region           string   `yaml:"s3-region"`
	S3Bucket           string   `yaml:"s3-bucket"`
	S3Prefix           string   `yaml:"s3-prefix"`
	S3AccessKey        string   `yaml:"s3-access-key"`
	S3SecretKey        string   `yaml:"s3-secret-key"`
	S3Insecure         bool     `yaml:"s3-insecure"`
	S3PathStyle        bool     `yaml:"s3-path-style"`
	MetadataCollection string   `yaml:"metadata-collection"`
	Collections        []string `yaml:"collections"`
	Window             string   `yaml:"window"`
	Grace              string   `yaml:"grace"`
}

func defaultSweeperConfig() sweeperConfig {
	return sweeperConfig{
		Store:              "memory",
		S3Prefix:           "txns",
		MetadataCollection: "default._default._default",
		Window:             txns.DefaultCleanupWindow.String(),
		Grace:              txns.DefaultGracePeriod.String(),
	}
}

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage sweeper configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default sweeper configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := yaml.Marshal(defaultSweeperConfig())
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			if stdout || outPath == "" {
				fmt.Fprint(cmd.OutOrStdout(), string(data))
				return nil
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", "output path for the generated config (stdout when empty)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}
