package main

import (
	"github.com/spf13/cobra"
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Lay out the directory tree of every cache_dir",
	Args:  cobra.NoArgs,
	RunE:  createRunE,
}

func createRunE(cmd *cobra.Command, args []string) error {
	s, err := open(false)
	if err != nil {
		return err
	}
	defer s.close()
	return s.c.Create()
}

func init() {
	rootCmd.AddCommand(createCmd)
}
