package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dmitrijs2005/gophbot/internal/cli"
)

func main() {

	ctx := context.Background()
	app := cli.New(os.Stdin, os.Stdout, os.Stderr)

	if err := app.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

}
