// Command papyrus manages a single-file encrypted store of grouped secrets.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
