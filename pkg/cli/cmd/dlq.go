package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/LENAX/node-engine/pkg/cli/nodeengine"
	"github.com/LENAX/node-engine/pkg/cli/output"
)

var dlqLimit int

// dlqCmd dlq子命令
var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "死信队列管理命令",
	Long:  `查看死信条目并手动重放。`,
}

// dlqListCmd 列出死信
var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出死信（按时间倒序）",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := nodeengine.New(serverURL)
		result, err := client.ListDLQ(cmd.Context(), dlqLimit)
		if err != nil {
			output.Error("查询失败: %v", err)
			return err
		}
		if outputJSON {
			return output.PrintJSON(result)
		}
		if len(result.Items) == 0 {
			output.Info("死信队列为空")
			return nil
		}

		table := output.NewTable([]string{"ENTRY_ID", "EXECUTION", "NODE", "KIND", "CREATED_AT", "ERROR"})
		for _, e := range result.Items {
			node := e.NodeID
			if node == "" {
				node = "-"
			}
			table.AddRow([]string{
				e.ID,
				e.ExecutionID,
				node,
				e.ErrorKind,
				e.CreatedAt.Format("2006-01-02 15:04:05"),
				truncate(e.Error, 40),
			})
		}
		table.Render()
		fmt.Fprintf(output.Out, "\n总计: %d 条死信\n", result.Total)
		return nil
	},
}

// dlqShowCmd 查看单条死信
var dlqShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "查看死信详情",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := nodeengine.New(serverURL)
		entry, err := client.GetDLQEntry(cmd.Context(), args[0])
		if err != nil {
			output.Error("查询失败: %v", err)
			return err
		}
		return output.PrintJSON(entry)
	},
}

// dlqReplayCmd 重放死信
var dlqReplayCmd = &cobra.Command{
	Use:   "replay <id>",
	Short: "手动重放死信",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := nodeengine.New(serverURL)
		result, err := client.ReplayDLQ(cmd.Context(), args[0])
		if err != nil {
			output.Error("重放失败: %v", err)
			return err
		}
		if outputJSON {
			return output.PrintJSON(result)
		}
		if result.Resumed {
			output.Success("已恢复为新的Execution: %s（清除死信%d条）", result.ExecutionID, result.Cleared)
			return nil
		}
		output.Success("死信已重新入队: task=%s", result.TaskID)
		return nil
	},
}

func init() {
	dlqListCmd.Flags().IntVar(&dlqLimit, "limit", 20, "返回记录数量限制")

	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqShowCmd)
	dlqCmd.AddCommand(dlqReplayCmd)
}

func truncate(s string, n int) string {
	if s == "" {
		return "-"
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
