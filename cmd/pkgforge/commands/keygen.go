package commands

import (
	"fmt"

	"git.home.luguber.info/inful/pkgforge/internal/identity"
)

// KeygenCmd implements the 'keygen' command.
type KeygenCmd struct {
	Out string `short:"o" help:"Where to write the private key" default:"pkgforge.key" type:"path"`
}

func (k *KeygenCmd) Run(_ *Global, _ *CLI) error {
	principal, err := identity.GenerateKeyFile(k.Out)
	if err != nil {
		return err
	}
	fmt.Printf("Private key written to %s\n", k.Out)
	fmt.Printf("Principal: %s\n", principal)
	return nil
}
