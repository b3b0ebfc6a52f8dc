package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/LENAX/node-engine/pkg/cli/nodeengine"
	"github.com/LENAX/node-engine/pkg/cli/output"
	"github.com/LENAX/node-engine/pkg/core/types"
)

// executionCmd execution子命令
var executionCmd = &cobra.Command{
	Use:     "execution",
	Aliases: []string{"exec"},
	Short:   "Execution管理命令",
	Long:    `提交Workflow快照、查看Execution状态与进度、取消Execution。`,
}

// executionSubmitCmd 提交Workflow快照
var executionSubmitCmd = &cobra.Command{
	Use:   "submit <file>",
	Short: "提交Workflow快照（JSON或YAML文件）",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			output.Error("读取文件失败: %v", err)
			return err
		}
		snapshot, err := decodeSnapshot(data)
		if err != nil {
			output.Error("解析Workflow快照失败: %v", err)
			return err
		}

		client := nodeengine.New(serverURL)
		result, err := client.Submit(cmd.Context(), snapshot)
		if err != nil {
			output.Error("提交失败: %v", err)
			return err
		}
		if outputJSON {
			return output.PrintJSON(result)
		}
		output.Success("Execution已提交: %s (%s)", result.ExecutionID, result.Mode)
		return nil
	},
}

// executionStatusCmd 查看Execution状态
var executionStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "查看Execution执行状态",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

// executionCancelCmd 取消Execution
var executionCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "取消Execution执行",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

// 根命令下的快捷方式
var (
	statusCmd = &cobra.Command{
		Use:   "status <id>",
		Short: "查看Execution执行状态（execution status 的快捷方式）",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}
	cancelCmd = &cobra.Command{
		Use:   "cancel <id>",
		Short: "取消Execution执行（execution cancel 的快捷方式）",
		Args:  cobra.ExactArgs(1),
		RunE:  runCancel,
	}
)

func init() {
	executionCmd.AddCommand(executionSubmitCmd)
	executionCmd.AddCommand(executionStatusCmd)
	executionCmd.AddCommand(executionCancelCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := nodeengine.New(serverURL)
	exec, err := client.GetExecution(cmd.Context(), args[0])
	if err != nil {
		output.Error("查询失败: %v", err)
		return err
	}
	if outputJSON {
		return output.PrintJSON(exec)
	}

	w := output.Out
	fmt.Fprintf(w, "Execution: %s\n", exec.ID)
	fmt.Fprintf(w, "Workflow:  %s\n", exec.WorkflowID)
	fmt.Fprintf(w, "Mode:      %s\n", exec.Mode)
	fmt.Fprintf(w, "Status:    %s\n", formatStatus(exec.Status))
	fmt.Fprintf(w, "Progress:  %d/%d (%d%%)\n",
		exec.Progress.Completed,
		exec.Progress.Total,
		calculatePercent(exec.Progress.Completed, exec.Progress.Total))
	if exec.Queued > 0 || exec.Parked > 0 {
		fmt.Fprintf(w, "Queued:    %d  Parked: %d\n", exec.Queued, exec.Parked)
	}
	fmt.Fprintf(w, "Created:   %s\n", exec.CreatedAt.Format("2006-01-02 15:04:05"))
	if exec.FinishedAt != nil {
		fmt.Fprintf(w, "Finished:  %s\n", exec.FinishedAt.Format("2006-01-02 15:04:05"))
	}
	if exec.Duration != "" {
		fmt.Fprintf(w, "Duration:  %s\n", exec.Duration)
	}
	if exec.ResumedFrom != "" {
		fmt.Fprintf(w, "Resumed:   %s\n", exec.ResumedFrom)
	}
	if exec.Error != "" {
		fmt.Fprintf(w, "Error:     %s\n", exec.Error)
	}

	if len(exec.Nodes) == 0 {
		return nil
	}
	fmt.Fprintln(w, "\nNodes:")
	for _, n := range exec.Nodes {
		attempts := ""
		if n.Attempts > 0 {
			attempts = fmt.Sprintf(" (失败%d次)", n.Attempts)
		}
		fmt.Fprintf(w, "  %s %s  %s%s\n", getStatusIcon(n.Status), n.NodeID, n.Status, attempts)
	}
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	client := nodeengine.New(serverURL)
	result, err := client.CancelExecution(cmd.Context(), args[0])
	if err != nil {
		output.Error("取消失败: %v", err)
		return err
	}
	if outputJSON {
		return output.PrintJSON(result)
	}
	output.Success("Execution已取消: %s", result.ID)
	return nil
}

// decodeSnapshot 解析JSON或YAML格式的Workflow快照，字段名与JSON一致
func decodeSnapshot(data []byte) (*types.WorkflowSnapshot, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	snapshot, err := types.UnmarshalSnapshot(raw)
	if err != nil {
		return nil, err
	}
	if err := snapshot.Validate(); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// formatStatus 格式化状态显示
func formatStatus(status string) string {
	return getStatusIcon(status) + " " + status
}

// getStatusIcon 获取状态图标
func getStatusIcon(status string) string {
	switch status {
	case "Success":
		return "✅"
	case "Failed":
		return "❌"
	case "Running":
		return "🔄"
	case "Pending":
		return "⏳"
	case "Cancelled":
		return "🛑"
	case "Skipped":
		return "⏭️"
	default:
		return "❓"
	}
}

// calculatePercent 计算百分比
func calculatePercent(completed, total int) int {
	if total == 0 {
		return 0
	}
	return completed * 100 / total
}
