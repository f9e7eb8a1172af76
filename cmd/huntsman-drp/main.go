// Command huntsman-drp runs the Huntsman data reduction services.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
