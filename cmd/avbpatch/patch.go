package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/avbpatch/avbpatch/internal/cryptoutil"
	"github.com/avbpatch/avbpatch/internal/ota"
)

func newPatchCommand() *cobra.Command {
	var (
		input            string
		output           string
		avbKeyPath       string
		otaKeyPath       string
		otaCertPath      string
		avbPass          passphraseFlags
		otaPass          passphraseFlags
		replaceList      []string
		magiskAPK        string
		preinitDevice    string
		randomSeed       int64
		prepatchedImage  string
		rootless         bool
		clearVbmetaFlags bool
		tempDir          string
		bootPartition    string // deprecated, accepted and ignored
	)

	cmd := &cobra.Command{
		Use:   "patch",
		Short: "Patch an OTA package: inject an OTA certificate, optional root, and re-sign",
		RunE: func(cmd *cobra.Command, args []string) error {
			if bootPartition != "" {
				log.Warn("ignoring --boot-partition: deprecated, has no effect")
			}

			avbSrc, err := avbPass.source()
			if err != nil {
				return err
			}
			otaSrc, err := otaPass.source()
			if err != nil {
				return err
			}

			avbKey, err := cryptoutil.LoadPrivateKey(avbKeyPath, avbSrc)
			if err != nil {
				return err
			}
			otaKey, err := cryptoutil.LoadPrivateKey(otaKeyPath, otaSrc)
			if err != nil {
				return err
			}
			otaCert, err := cryptoutil.LoadCertificate(otaCertPath)
			if err != nil {
				return err
			}

			replace, err := parseReplaceFlags(replaceList)
			if err != nil {
				return err
			}

			var root ota.RootPatch
			switch {
			case magiskAPK != "":
				data, err := os.ReadFile(magiskAPK)
				if err != nil {
					return err
				}
				root.Magisk.Binary = data
				root.Magisk.PreinitDevice = preinitDevice
				root.Magisk.RandomSeed = randomSeed
			case prepatchedImage != "":
				data, err := os.ReadFile(prepatchedImage)
				if err != nil {
					return err
				}
				root.PrepatchedImage = data
			case rootless:
				root.Rootless = true
			}

			if output == "" {
				output = input + ".patched"
			}

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
			cfg := ota.PatchConfig{
				AVBKey:           avbKey,
				OTAKey:           otaKey,
				OTACert:          otaCert,
				Replace:          replace,
				Root:             root,
				ClearVbmetaFlags: clearVbmetaFlags,
				TempDir:          tempDir,
				OutputPath:       output,
			}
			if err := ota.Patch(f, info.Size(), cfg, cancel, log.WithField("cmd", "patch")); err != nil {
				return err
			}
			fmt.Println(output)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&input, "input", "i", "", "path to the input OTA package (required)")
	flags.StringVarP(&output, "output", "o", "", "path to the output OTA package (default: <input>.patched)")
	flags.StringVar(&avbKeyPath, "avb-key", "", "path to the AVB signing key (required)")
	flags.StringVar(&otaKeyPath, "ota-key", "", "path to the OTA signing key (required)")
	flags.StringVar(&otaCertPath, "ota-cert", "", "path to the OTA signing certificate (required)")
	avbPass.register(flags, "avb", "AVB")
	otaPass.register(flags, "ota", "OTA")
	flags.StringArrayVar(&replaceList, "replace", nil, "NAME=PATH: replace partition NAME with the image at PATH (repeatable)")
	flags.StringVar(&magiskAPK, "magisk", "", "path to a Magisk APK to root with")
	flags.StringVar(&preinitDevice, "preinit-device", "", "block device Magisk uses for preinit data")
	flags.Int64Var(&randomSeed, "random-seed", 0, "random seed for Magisk's runtime")
	flags.StringVar(&prepatchedImage, "prepatched", "", "path to an already-rooted boot image to install verbatim")
	flags.BoolVar(&rootless, "rootless", false, "do not inject root")
	flags.BoolVar(&clearVbmetaFlags, "clear-vbmeta-flags", false, "clear AVB_VBMETA_IMAGE_FLAGS_HASHTREE_DISABLED/VERIFICATION_DISABLED if set")
	flags.StringVar(&tempDir, "temp-dir", "", "directory for intermediate extracted images (default: OS temp dir)")
	flags.StringVar(&bootPartition, "boot-partition", "", "deprecated, ignored")
	cmd.MarkFlagRequired("input")
	cmd.MarkFlagRequired("avb-key")
	cmd.MarkFlagRequired("ota-key")
	cmd.MarkFlagRequired("ota-cert")

	return cmd
}

// parseReplaceFlags turns a repeated "NAME=PATH" flag into the partition
// name -> path map ota.Patch expects.
func parseReplaceFlags(entries []string) (map[string]string, error) {
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		name, path, ok := strings.Cut(e, "=")
		if !ok || name == "" || path == "" {
			return nil, fmt.Errorf("--replace: expected NAME=PATH, got %q", e)
		}
		out[name] = filepath.Clean(path)
	}
	return out, nil
}
