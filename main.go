package main

import (
	"fmt"
	"os"

	"github.com/xiaot623/agentfleet/cmd"
)

func main() {
	if err := cmd.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
