package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/stratusops/iamsync/cmd"
	errUtils "github.com/stratusops/iamsync/errors"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Execute(ctx); err != nil {
		errUtils.CheckErrorPrintAndExit(err)
	}
}
