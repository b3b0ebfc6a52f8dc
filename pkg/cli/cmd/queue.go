package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/LENAX/node-engine/pkg/cli/nodeengine"
	"github.com/LENAX/node-engine/pkg/cli/output"
)

// queueCmd queue子命令
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "任务队列命令",
}

// queueStatsCmd 查看队列统计
var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "查看队列深度（就绪/延迟/租约中）",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := nodeengine.New(serverURL)
		stats, err := client.QueueStats(cmd.Context())
		if err != nil {
			output.Error("查询失败: %v", err)
			return err
		}
		if outputJSON {
			return output.PrintJSON(stats)
		}
		table := output.NewTable([]string{"READY", "DELAYED", "LEASED", "DEPTH"})
		table.AddRow([]string{
			fmt.Sprint(stats.Ready),
			fmt.Sprint(stats.Delayed),
			fmt.Sprint(stats.Leased),
			fmt.Sprint(stats.Depth),
		})
		table.Render()
		return nil
	},
}

func init() {
	queueCmd.AddCommand(queueStatsCmd)
}
