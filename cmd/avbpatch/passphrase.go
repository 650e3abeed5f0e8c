package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/avbpatch/avbpatch/internal/cryptoutil"
)

// passphraseFlags mirrors one key's --passphrase-*-env-var/
// --passphrase-*-file/--passphrase-*-prompt flag trio (§6). At most one
// should be set; when none is, no passphrase source is used.
type passphraseFlags struct {
	envVar string
	file   string
	prompt bool
}

func (p *passphraseFlags) register(fs flagSet, prefix, label string) {
	fs.StringVar(&p.envVar, "passphrase-"+prefix+"-env-var", "", "read the "+label+" key passphrase from this environment variable")
	fs.StringVar(&p.file, "passphrase-"+prefix+"-file", "", "read the "+label+" key passphrase from this file")
	fs.BoolVar(&p.prompt, "passphrase-"+prefix+"-prompt", false, "prompt for the "+label+" key passphrase")
}

func (p *passphraseFlags) source() (cryptoutil.PassphraseSource, error) {
	switch {
	case p.envVar != "":
		return cryptoutil.EnvPassphrase{Var: p.envVar}, nil
	case p.file != "":
		return cryptoutil.FilePassphrase{Path: p.file}, nil
	case p.prompt:
		pass, err := readPassphrasePrompt()
		if err != nil {
			return nil, err
		}
		return cryptoutil.StaticPassphrase(pass), nil
	default:
		return nil, nil
	}
}

// readPassphrasePrompt reads a single line from stdin. It does not
// suppress terminal echo -- avbpatch has no terminal-control dependency
// in its stack, so the env-var or file passphrase sources are the
// recommended non-interactive path; this exists for convenience only.
func readPassphrasePrompt() ([]byte, error) {
	fmt.Fprint(os.Stderr, "Enter passphrase: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return nil, scanner.Err()
	}
	return scanner.Bytes(), nil
}

// flagSet is the subset of *pflag.FlagSet (via cobra's Command.Flags())
// that passphraseFlags.register needs.
type flagSet interface {
	StringVar(p *string, name string, value string, usage string)
	BoolVar(p *bool, name string, value bool, usage string)
}
