package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/avbpatch/avbpatch/internal/ota"
)

func newExtractCommand() *cobra.Command {
	var (
		input   string
		outDir  string
		names   []string
		allImgs bool
	)

	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Extract partition images from an OTA package's payload",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(input)
			if err != nil {
				return err
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return err
			}

			cancel := newCancelSignal()
			cfg := ota.ExtractConfig{Names: names, All: allImgs, OutDir: outDir}
			return ota.Extract(f, info.Size(), cfg, cancel, log.WithField("cmd", "extract"))
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&input, "input", "i", "", "path to the input OTA package (required)")
	flags.StringVarP(&outDir, "output-dir", "o", ".", "directory to extract partition images into")
	flags.StringArrayVar(&names, "partition", nil, "partition to extract (repeatable); default is every boot-like partition")
	flags.BoolVar(&allImgs, "all", false, "extract every partition in the payload, not just boot-like ones")
	cmd.MarkFlagRequired("input")

	return cmd
}
