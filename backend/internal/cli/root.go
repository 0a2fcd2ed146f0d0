// Package cli docsync 命令行：serve 启动服务，inspect/versions 查看持久化状态，token 签发开发用 token。
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"docsync/backend/internal/config"
	"docsync/backend/internal/logging"
	"docsync/backend/internal/server"
	"docsync/backend/internal/store"
)

var ValidFormats = []string{"text", "yaml", "json"}

// RootOptions 全局参数
type RootOptions struct {
	ConfigPath string
	Format     string

	// OpenStore 测试里替换成内存存储
	OpenStore func(ctx context.Context, cfg *config.Config) (store.Store, func(), error)
}

func defaultOpenStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	rdb, err := server.OpenRedis(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	st, closeStore, err := server.OpenStore(ctx, cfg, rdb)
	if err != nil {
		if rdb != nil {
			rdb.Close()
		}
		return nil, nil, err
	}
	return st, func() {
		closeStore()
		if rdb != nil {
			rdb.Close()
		}
	}, nil
}

func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{OpenStore: defaultOpenStore})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docsync",
		Short: "Collaborative document sync server",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default: docsyncConfig.yaml in ./backend/config, ./config or .)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "yaml", "output format (text|yaml|json)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewInspectCommand(opts))
	cmd.AddCommand(NewVersionsCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))
	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func (o *RootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	logging.Init(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}
