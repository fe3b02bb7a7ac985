package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/replicate/rget/cmd"
	"github.com/replicate/rget/pkg/logging"
)

func main() {
	logging.SetupLogger()
	rootCMD := cmd.GetRootCommand()

	// cancelling keeps the sidecar of an interrupted download for the next run
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCMD.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
