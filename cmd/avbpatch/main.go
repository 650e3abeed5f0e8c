// Command avbpatch patches, extracts from, and verifies Android A/B OTA
// packages: it injects an OTA-verification certificate (and optionally
// root) into the boot-like partitions, re-signs the AVB vbmeta chain, and
// re-signs the whole archive with a replacement OTA key.
package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/avbpatch/avbpatch/internal/stream"
)

var log = logrus.New()

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:           "avbpatch",
		Short:         "Patch, extract, and verify Android OTA packages",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if verbose {
				log.SetLevel(logrus.DebugLevel)
			}
		},
	}
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(newPatchCommand())
	cmd.AddCommand(newExtractCommand())
	cmd.AddCommand(newVerifyCommand())
	return cmd
}

// newCancelSignal returns a signal that trips on the first SIGINT, so a
// long-running patch/verify can unwind cleanly instead of leaving a
// half-written output file.
func newCancelSignal() *stream.CancelSignal {
	cancel := stream.NewCancelSignal()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		cancel.Cancel()
	}()
	return cancel
}
