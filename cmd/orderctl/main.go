package main

import (
	"fmt"
	"os"

	"github.com/dmehra2102/commerce-order-platform/cmd/orderctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
