package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aretw0/cosync"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of cosync",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("cosync version %s\n", strings.TrimSpace(cosync.Version))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
