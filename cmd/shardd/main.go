// Command shardd runs a service as a fleet of supervised worker processes.
//
//	shardd supervise --config shardd.yaml
//
// The supervisor re-executes itself with the worker command once per shard.
package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/huykn/shard-coordinator/config"
)

type rootCommand struct {
	cmd        *cobra.Command
	configPath string
	config     config.Config
	logger     hclog.Logger
}

func newRootCommand() *rootCommand {
	root := &rootCommand{}
	root.cmd = &cobra.Command{
		Use:           "shardd",
		Short:         "Supervise sharded worker processes coordinated through Redis",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			root.config = cfg

			level := hclog.LevelFromString(cfg.LogLevel)
			if cfg.Debug {
				level = hclog.Debug
			}
			// Workers write IPC on stdout, so every log goes to stderr.
			root.logger = hclog.New(&hclog.LoggerOptions{
				Name:   "shardd",
				Level:  level,
				Output: os.Stderr,
			})
			return nil
		},
	}
	root.cmd.PersistentFlags().StringVarP(&root.configPath, "config", "c", "", "path to the YAML config file")

	root.cmd.AddCommand(superviseCommand(root), workerCommand(root))
	return root
}

func main() {
	if err := newRootCommand().cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "shardd:", err)
		os.Exit(1)
	}
}
