package main

import (
	"fmt"
	"os"

	"github.com/wharflab/envy/cmd/envy/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "envy: %v\n", err)
		os.Exit(1)
	}
}
