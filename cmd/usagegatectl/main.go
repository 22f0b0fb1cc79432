// Command usagegatectl runs billing operations against the usagegate
// database without going through the HTTP API.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(openServices).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
