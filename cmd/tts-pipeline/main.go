// main package for the tts-pipeline
package main

import (
	"fmt"
	"os"
)

func run() error {
	return newRootCommand().Execute()
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tts-pipeline exited with error: %v\n", err)
		os.Exit(1)
	}
}
