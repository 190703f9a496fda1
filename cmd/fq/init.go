package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/untoldecay/FormQueue/internal/config"
	"github.com/untoldecay/FormQueue/internal/ui"
)

// initConfig is the config.yaml written by fq init.
type initConfig struct {
	DefaultStrategy string `yaml:"default-strategy"`
	FlushDebounce   string `yaml:"flush-debounce"`
	Audit           struct {
		RetentionDays int `yaml:"retention-days"`
	} `yaml:"audit"`
	Daemon struct {
		MaxConnections int    `yaml:"max-connections"`
		RequestTimeout string `yaml:"request-timeout"`
	} `yaml:"daemon"`
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the .formqueue directory and default config",
	Run: func(cmd *cobra.Command, args []string) {
		strategy, _ := cmd.Flags().GetString("default-strategy")

		cwd, err := os.Getwd()
		if err != nil {
			fatalf("%v", err)
		}
		dir := filepath.Join(cwd, config.DirName)
		if err := os.MkdirAll(dir, 0755); err != nil {
			fatalf("failed to create %s: %v", dir, err)
		}

		configPath := filepath.Join(dir, "config.yaml")
		if _, err := os.Stat(configPath); err == nil {
			fmt.Printf("%s %s already exists\n", ui.RenderMuted("·"), configPath)
			return
		}

		cfg := initConfig{
			DefaultStrategy: strategy,
			FlushDebounce:   "200ms",
		}
		cfg.Audit.RetentionDays = 30
		cfg.Daemon.MaxConnections = 16
		cfg.Daemon.RequestTimeout = "30s"

		data, err := yaml.Marshal(&cfg)
		if err != nil {
			fatalf("failed to encode config: %v", err)
		}
		if err := os.WriteFile(configPath, data, 0644); err != nil {
			fatalf("failed to write config: %v", err)
		}

		if jsonOutput {
			outputJSON(map[string]string{
				"dir":      dir,
				"config":   configPath,
				"database": filepath.Join(dir, "formqueue.db"),
			})
			return
		}
		fmt.Printf("%s Initialized %s\n", ui.RenderPass("✓"), dir)
		fmt.Printf("  Config:   %s\n", configPath)
		fmt.Printf("  Database: %s (created on first enqueue)\n", filepath.Join(dir, "formqueue.db"))
	},
}

func init() {
	initCmd.Flags().String("default-strategy", "fifo_wins", "Strategy for newly detected conflicts")
	rootCmd.AddCommand(initCmd)
}
