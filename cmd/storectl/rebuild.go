package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var rebuildCmd = &cobra.Command{
	Use:     "rebuild",
	Aliases: []string{"clean"},
	Short:   "Replay the swap logs and rewrite them without stale records",
	Args:    cobra.NoArgs,
	RunE:    rebuildRunE,
}

func rebuildRunE(cmd *cobra.Command, args []string) error {
	s, err := open(true)
	if err != nil {
		return err
	}
	defer s.close()
	n := s.c.WriteCleanLogs(true)
	fmt.Fprintf(cmd.OutOrStdout(), "%d entries in %d cache_dirs\n", n, s.c.Disks().Len())
	return nil
}

func init() {
	rootCmd.AddCommand(rebuildCmd)
}
