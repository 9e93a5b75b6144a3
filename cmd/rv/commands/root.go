package commands

import (
	"fmt"
	"log/slog"
	"os"

	"resumevault/pkg/app"
	"resumevault/pkg/config"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	// 全局应用实例，供子命令使用
	RV *app.App
)

// standalone 不需要组装 App 的命令
var standalone = map[string]bool{
	"hash-password": true,
	"migrate":       true,
}

var rootCmd = &cobra.Command{
	Use:   "rv",
	Short: "ResumeVault: content-addressed resume storage",
	// PersistentPreRunE 会在所有子命令执行前运行
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if standalone[cmd.Name()] || RV != nil {
			return nil
		}
		cfg, err := config.Get()
		if err != nil {
			return err
		}
		logger, err := app.NewLogger(cfg.Log, os.Stderr)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)

		RV, err = app.NewApp(cmd.Context(), cfg, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize resumevault: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if RV == nil {
			return nil
		}
		err := RV.Close()
		RV = nil
		return err
	},
	SilenceUsage: true,
}

// Execute 是入口
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.rv/config.yaml)")

	// 常用项允许命令行覆盖：yaml < env < flag
	rootCmd.PersistentFlags().String("storage-path", "", "Directory to store blobs")
	rootCmd.PersistentFlags().String("database-path", "", "SQLite database file")
	rootCmd.PersistentFlags().String("parser-url", "", "Base URL of the resume parser service")
	for key, flag := range map[string]string{
		"storage.path":  "storage-path",
		"database.path": "database-path",
		"parser.url":    "parser-url",
	} {
		if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			fmt.Println("Failed to bind flag:", err)
			os.Exit(1)
		}
	}
}

// initConfig 读取配置文件和环境变量
func initConfig() {
	if err := config.Load(cfgFile); err != nil {
		fmt.Fprintln(os.Stderr, "Config error:", err)
		os.Exit(1)
	}
}

func requireApp() error {
	if RV == nil {
		return fmt.Errorf("app not initialized")
	}
	return nil
}
