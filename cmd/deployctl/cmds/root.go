package cmds

import (
	"github.com/spf13/cobra"
)

func AddCommands(root *cobra.Command) error {
	root.AddCommand(newRunCmd())
	root.AddCommand(newDetectCmd())
	root.AddCommand(newGatesCmd())
	root.AddCommand(newHistoryCmd())
	root.AddCommand(newScheduleCmd())
	return nil
}
