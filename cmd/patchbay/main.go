package main

import (
	"context"
	"os"

	"github.com/pboyd/patchbay/config"
)

func main() {
	if err := newRootCommand(config.NewViper()).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
