package main

import (
	"fmt"
	"os"

	"github.com/danmuck/ocapn/internal/logging"
)

func main() {
	logging.ConfigureRuntime()
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ocapn: %v\n", err)
		os.Exit(1)
	}
}
