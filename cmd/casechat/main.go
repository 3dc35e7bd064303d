// Command casechat is the entry point for the case-file chat service.
// It provides a CLI (via Cobra) for serving the HTTP API, asking one-off
// questions, ingesting case files and managing admin prompts.
package main

import (
	"fmt"
	"os"

	"github.com/54b3r/casechat/cmd/casechat/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
