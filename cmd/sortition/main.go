package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	dErrors "sortition/pkg/domain-errors"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(openApp).Execute(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error [%s]: %v\n", dErrors.CodeOf(err), err)
		stop()
		os.Exit(1)
	}
}
