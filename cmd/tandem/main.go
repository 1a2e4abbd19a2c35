package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"tandem/cmd/internal/cli"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cli.NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "tandem:", err)
		cancel()
		os.Exit(1)
	}
}
