// Sensorlink is the device-side capture client.
//
// It synchronizes its clock against a time server, registers a streaming
// session with a collection server (or joins one by id or pairing code),
// and streams timestamped sensor frames once per capture tick.
//
// Every subcommand can run non-interactively from flags and the config
// file; `stream -i` falls back to interactive prompts.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/1ureka/sensorlink/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}
