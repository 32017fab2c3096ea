package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"yqhp/crossval/internal/config"
	"yqhp/crossval/internal/master"
	"yqhp/crossval/internal/matrix"
	"yqhp/crossval/internal/remote"
	"yqhp/crossval/internal/worker"
	"yqhp/crossval/pkg/logger"
	"yqhp/crossval/pkg/types"
)

// runCmd 是 run 子命令
var runCmd = &cobra.Command{
	Use:   "run <experiment-root>",
	Short: "在所有服务器上执行实验",
	Long: `扫描实验根目录下的全部实验目录，与参数列表组合成作业，分发到服务器列表中的
每台主机执行。localhost 在本机运行，user@host 通过 SSH 运行，远程主机首次连接时
自动安装分类器与辅助脚本。全部作业结束后写出结果文件及同名 .json 文件。`,
	Example: `  # 使用实验目录下的 servers_list 与 svm_params
  crossval run data/

  # 指定服务器列表和单作业超时
  crossval run --servers hosts.txt --job-timeout 30m data/

  # 结果写到其他位置
  crossval run --results out/spam_results data/`,
	Args: cobra.ExactArgs(1),
	RunE: runExperiments,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("servers", "", "服务器列表文件 (默认 <root>/servers_list)")
	runCmd.Flags().String("params", "", "参数列表文件 (默认 <root>/svm_params)")
	runCmd.Flags().String("results", "", "结果文件 (默认 <root>/results)")
	runCmd.Flags().Duration("job-timeout", 0, "单个作业的超时时间，0 表示不限制")

	bindConfig(runCmd, "servers", "run.servers_file")
	bindConfig(runCmd, "params", "run.params_file")
	bindConfig(runCmd, "results", "run.results_file")
	bindConfig(runCmd, "job-timeout", "run.job_timeout")
}

func runExperiments(cmd *cobra.Command, args []string) error {
	root := args[0]
	cfg.ResolvePaths(root)
	log := logger.Named("cli")

	jobs, err := buildJobs(root, cfg.Run.ParamsFile)
	if err != nil {
		return err
	}
	servers, err := config.ReadServerList(cfg.Run.ServersFile)
	if err != nil {
		return err
	}
	if err := checkHelper(servers, cfg.Remote.HelperPath); err != nil {
		return err
	}

	settings := worker.Settings{
		LocalHelper: cfg.Local.HelperCommand,
		Remote:      cfg.Remote.ToOptions(),
		Dialer:      remote.NewSSHDialer(cfg.Remote.ToSSH()),
	}
	workers := make([]worker.Worker, 0, len(servers))
	for _, s := range servers {
		workers = append(workers, worker.New(s, settings))
	}

	// 创建可取消的上下文
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 处理关闭信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\n正在中止实验，等待运行中的作业结束...")
			cancel()
		case <-ctx.Done():
		}
	}()

	out := cmd.OutOrStdout()
	if !quiet {
		printRunInfo(out, root, len(jobs), servers)
	}

	m := master.New(workers, master.Config{JobTimeout: cfg.Run.JobTimeout})
	report, runErr := m.Run(ctx, jobs)
	if report == nil {
		return runErr
	}

	if err := report.Save(cfg.Run.ResultsFile); err != nil {
		log.Error("write results", zap.String("path", cfg.Run.ResultsFile), zap.Error(err))
		return fmt.Errorf("写入结果失败: %w", err)
	}

	if !quiet {
		printRunSummary(out, report)
	}

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			return fmt.Errorf("实验已中止，部分结果已写入 %s", cfg.Run.ResultsFile)
		}
		return runErr
	}
	if report.Summary.Completed == 0 && report.Summary.Total > 0 {
		return fmt.Errorf("没有作业成功完成，详见 %s", cfg.Run.ResultsFile)
	}
	return nil
}

// buildJobs 组合实验目录与参数列表，每个参数串对每个目录生成一个作业
func buildJobs(root, paramsFile string) ([]types.Job, error) {
	dirs, err := matrix.Discover(root)
	if err != nil {
		return nil, err
	}
	if len(dirs) == 0 {
		return nil, types.NewInputError(root, "no experiment directories found", nil)
	}
	params, err := config.ReadParamList(paramsFile)
	if err != nil {
		return nil, err
	}

	jobs := make([]types.Job, 0, len(dirs)*len(params))
	for _, p := range params {
		for _, d := range dirs {
			jobs = append(jobs, types.NewJob(d.Path, p))
		}
	}
	return jobs, nil
}

// checkHelper 存在远程服务器时，分发作业前确认本地辅助脚本可读
func checkHelper(servers []types.ServerSpec, helperPath string) error {
	for _, s := range servers {
		if s.IsLocal() {
			continue
		}
		f, err := os.Open(helperPath)
		if err != nil {
			return types.NewInputError(helperPath, "cannot read helper script", err)
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return types.NewInputError(helperPath, "cannot read helper script", err)
		}
		if !info.Mode().IsRegular() {
			return types.NewInputError(helperPath, "helper script is not a regular file", nil)
		}
		return nil
	}
	return nil
}

func printRunInfo(w io.Writer, root string, jobs int, servers []types.ServerSpec) {
	fmt.Fprintf(w, Banner, Version)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  实验目录: %s\n", root)
	fmt.Fprintf(w, "  作业数: %d\n", jobs)
	fmt.Fprintf(w, "  服务器: %d\n", len(servers))
	for _, s := range servers {
		fmt.Fprintf(w, "    - %s\n", s)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "执行中...")
	fmt.Fprintln(w)
}

func printRunSummary(w io.Writer, r *master.RunReport) {
	s := r.Summary
	fmt.Fprintln(w)
	fmt.Fprintln(w, "     实验结果:")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "     总耗时.............: %s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(w, "     作业总数...........: %d\n", s.Total)
	fmt.Fprintf(w, "     成功...............: %d\n", s.Completed)
	fmt.Fprintf(w, "     失败...............: %d\n", s.Failed)
	for _, g := range s.Groups {
		name := g.Params
		if name == "" {
			name = "(default)"
		}
		if g.NoData {
			fmt.Fprintf(w, "     [%s] %s\n", name, g.Message)
			continue
		}
		for _, label := range g.Labels() {
			c := g.Classes[label]
			fmt.Fprintf(w, "     [%s] %s: P=%.4f R=%.4f F1=%.4f\n", name, label, c.Precision, c.Recall, c.F1)
		}
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "     结果已写入: %s\n", cfg.Run.ResultsFile)
	fmt.Fprintln(w)
}
