package main

import (
	"context"
	"fmt"
	"os"

	"go.miragespace.co/ringstore/cmd/ringstore"
	"go.miragespace.co/ringstore/util"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	util.PrettierHelpPrinter()

	if err := ringstore.App.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
