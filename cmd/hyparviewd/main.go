// Command hyparviewd runs a single HyParView overlay node.
package main

import (
	"fmt"
	"os"

	"github.com/hyparview/hyparview/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
