// Command tiltctl scores captured signals offline and inspects policy files.
package main

import (
	"errors"
	"fmt"
	"os"
)

// Build info - set by ldflags
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if errors.Is(err, errNotAllowed) {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
