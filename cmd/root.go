// Package cmd 提供 crossval CLI 的命令实现
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"yqhp/crossval/internal/config"
	"yqhp/crossval/pkg/logger"
)

const (
	// Version 是当前版本号
	Version = "0.1.0"
	// Banner 是启动时显示的 ASCII 艺术
	Banner = `
   ___ _   __  crossval %s
  / __| | / /  分布式交叉验证
 | (__| |/ /
  \___|___/
`
)

var (
	// 全局配置
	cfgFile string
	debug   bool
	quiet   bool

	// cfg 在 PersistentPreRunE 中加载，子命令直接使用
	cfg *config.Config
)

// configKeyAnnotation 标注 flag 对应的配置路径
const configKeyAnnotation = "crossval/config-key"

// rootCmd 是根命令
var rootCmd = &cobra.Command{
	Use:   "crossval",
	Short: "分布式交叉验证实验执行器",
	Long: `crossval 将数据集按类别分层切分为 k 折，生成全部训练/测试组合目录，
并把每个组合与每组参数分发到本机或远程 SSH 主机上执行，最后汇总各类别的
precision、recall 与 F1。`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig(cmd)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
}

// Execute 执行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "错误:", err)
		os.Exit(1)
	}
}

func init() {
	// 全局 flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件路径")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "启用调试日志")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "静默模式，仅输出警告和错误")

	// 禁用默认的 completion 命令
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	// 自定义版本模板
	rootCmd.SetVersionTemplate(fmt.Sprintf(Banner, Version) + "\n")
}

// initConfig 加载配置并初始化日志，子命令显式设置的 flag 作为覆盖项
func initConfig(cmd *cobra.Command) error {
	overrides := map[string]string{}
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if keys := f.Annotations[configKeyAnnotation]; len(keys) > 0 {
			overrides[keys[0]] = f.Value.String()
		}
	})

	loaded, err := config.NewLoader().
		WithConfigPath(cfgFile).
		WithOverrides(overrides).
		Load()
	if err != nil {
		return err
	}
	if err := loaded.Validate(); err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}
	cfg = loaded

	logger.Init(cfg.Logging.ToLogger())
	switch {
	case debug:
		logger.EnableDebug()
	case quiet:
		logger.SetLevel("warn")
	}
	return nil
}

// bindConfig 将 flag 绑定到配置路径
func bindConfig(cmd *cobra.Command, flag, key string) {
	_ = cmd.Flags().SetAnnotation(flag, configKeyAnnotation, []string{key})
}

// GetRootCmd 返回根命令（用于测试）
func GetRootCmd() *cobra.Command {
	return rootCmd
}
