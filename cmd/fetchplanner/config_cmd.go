package main

import (
	"github.com/spf13/cobra"
)

func newConfigCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the resolved configuration and where each value came from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, debugInfo, err := loadConfiguration(cmd, opts, true)
			if err != nil {
				return err
			}
			debugInfo.PrintDebugInfo(cmd.OutOrStdout())
			return nil
		},
	}
}
