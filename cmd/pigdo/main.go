// Command pigdo reassembles a jigsaw-downloaded image from a .jigdo recipe
// and .template trailer, fetching component files from the mirrors the
// recipe names.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/dadap/pigdo/internal/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	root := cmd.NewRootCommand()
	root.SetContext(ctx)

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Error("pigdo failed")
		os.Exit(1)
	}
}
