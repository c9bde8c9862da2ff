package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/macrodyne/autod/errors"
)

// errUsage marks command-line misuse, mapped to exit code 2.
var errUsage = errors.New("usage error")

var configPath string

var rootCmd = &cobra.Command{
	Use:   "autod",
	Short: "autod - headless automation daemon",
	Long: `autod runs automation scripts from a watched directory: schedules them,
queues them for serial execution, and exposes a REST + WebSocket control
plane. Multiple daemons form a cluster that elects a leader and dispatches
tasks to the least loaded node.

Examples:
  autod serve                    # start with discovered config
  autod serve --config ./autod.toml
  autod -vv serve                # debug logging
  autod version --json`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v",
		"Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to a config file (overrides the discovery chain)")

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return errors.Mark(err, errUsage)
	})

	rootCmd.AddCommand(ServeCmd)
	rootCmd.AddCommand(VersionCmd)
}

// Execute runs the CLI and returns the process exit code: 0 on success, 1 on
// a runtime failure, 2 on command-line misuse.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	if errors.Is(err, errUsage) || strings.HasPrefix(err.Error(), "unknown command") {
		return 2
	}
	return 1
}
