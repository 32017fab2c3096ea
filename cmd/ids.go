package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"yqhp/crossval/internal/dataset"
)

// idsCmd 是 ids 子命令
var idsCmd = &cobra.Command{
	Use:   "ids <dataset>",
	Short: "为数据集的每一行分配样本 id",
	Long: `读取数据集并写出 <dataset>.numbered，每行前加上 <数据集名>_<序号>，序号从 0 开始。
带 id 的数据集配合 prepare --has-ids 使用，折分配文件可据此校验。`,
	Example: `  crossval ids data/spam.svm
  crossval prepare --has-ids data/spam.svm.numbered`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, n, err := dataset.AssignIDsFile(args[0])
		if err != nil {
			return err
		}
		if !quiet {
			fmt.Fprintf(cmd.OutOrStdout(), "已写入 %s (%d 行)\n", out, n)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(idsCmd)
}
