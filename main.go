package main

import (
	"context"
	"fmt"
	"os"

	"github.com/layershard/layershard/cmd"
)

func main() {
	ctx := context.Background()
	if err := cmd.NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
