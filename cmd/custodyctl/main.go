// custodyctl is the operator CLI of the custody engine. It works directly on
// the configured row store and secret source, without a running daemon.
package main

import (
	"fmt"
	"os"
)

func main() {
	cmd, c := newRootCmd()

	err := cmd.Execute()
	if closeErr := c.close(); err == nil {
		err = closeErr
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
