// Command telesync runs the telemetry synchronization client: it keeps a
// live, bounded view of the selected sensor tags, evaluates thresholds,
// and serves the local dashboard.
//
// Usage:
//
//	telesync config init            # write telesync.yaml with defaults
//	telesync validate -c telesync.yaml
//	telesync run -c telesync.yaml --tags pressure_1,temp_1
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Version info set via ldflags at build time:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "none"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
