package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// 全局变量
	serverURL  string
	outputJSON bool
)

// rootCmd 根命令
var rootCmd = &cobra.Command{
	Use:   "node-engine",
	Short: "Node Engine CLI - 节点级任务调度引擎命令行工具",
	Long: `Node Engine CLI 通过HTTP管理接口操作运行中的调度引擎。

支持的功能：
  - 提交Workflow快照，查看Execution状态与进度，取消Execution
  - 查看与重放死信（DLQ）
  - 查看队列统计

使用示例：
  # 提交Workflow快照（JSON或YAML）
  node-engine execution submit workflow.yaml

  # 查看Execution状态
  node-engine execution status <execution-id>

  # 重放死信
  node-engine dlq replay <entry-id>`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute 执行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "Node Engine服务器地址")
	rootCmd.PersistentFlags().BoolVarP(&outputJSON, "json", "j", false, "使用JSON格式输出")

	rootCmd.AddCommand(executionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(dlqCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(versionCmd)
}
