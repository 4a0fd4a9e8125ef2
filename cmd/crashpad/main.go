// Command crashpad inspects and drains a crash reporter's spool.
//
//	crashpad --dir /var/lib/myapp/crashes list
//	crashpad --dir /var/lib/myapp/crashes show 2f1b6c9e-8d4a-4c1e-9b7a-3e5d2c1f0a9b
//	crashpad --config /etc/myapp/crashpad.yaml upload
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdout).Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
