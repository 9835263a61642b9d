package main

import (
	"github.com/spf13/cobra"
)

var statCmd = &cobra.Command{
	Use:   "stat",
	Short: "Print the store report",
	Args:  cobra.NoArgs,
	RunE:  statRunE,
}

func statRunE(cmd *cobra.Command, args []string) error {
	s, err := open(true)
	if err != nil {
		return err
	}
	defer s.close()
	s.c.Stat(cmd.OutOrStdout())
	return nil
}

func init() {
	rootCmd.AddCommand(statCmd)
}
