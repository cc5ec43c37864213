// Command codepipe runs the write, review and refactor LLM pipeline.
package main

import (
	"os"

	"github.com/harun/codepipe/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
