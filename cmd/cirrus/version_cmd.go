package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cirrusdrive/cirrus/internal/version"
)

func init() {
	rootCmd.AddCommand(newVersionCmd())
}

func newVersionCmd() *cobra.Command {
	var detailed bool

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the client version",
		Run: func(cmd *cobra.Command, args []string) {
			if detailed {
				fmt.Println(version.Detailed())
				return
			}
			fmt.Println(version.ShortWithApp())
		},
	}
	versionCmd.Flags().BoolVarP(&detailed, "detailed", "D", false, "Include build metadata")

	return versionCmd
}
