package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"CognitiveMesh/internal/config"
)

// 由构建参数注入。
var (
	version = "dev"
	commit  = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "meshd",
	Short:         "CognitiveMesh daemon: trust-weighted agent pathways with on-chain tokens",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, event dispatcher, trust decay and strength sync workers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending MySQL migrations and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return migrate(cmd.Context(), cfg)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "meshd %s (%s)\n", version, commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "配置文件路径，默认读取 CONFIG_PATH")
	rootCmd.AddCommand(serveCmd, migrateCmd, versionCmd)
}

// loadConfig 依次使用 --config、CONFIG_PATH；都为空时使用默认配置。
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// main 是 meshd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "meshd 运行失败: %v\n", err)
		os.Exit(1)
	}
}
