package main

import (
	"fmt"
	"os"

	"github.com/ignatij/crewflow/internal/cli"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "crewflow",
	Short: "Run AI crew executions from a queue",
}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
