package main

import (
	"context"
	"fmt"
	"os"

	"kite-autotrader/internal/cli"
)

func main() {
	rootCmd := cli.NewRootCmd()
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
