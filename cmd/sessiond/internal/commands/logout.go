package commands

import (
	"context"
	"fmt"

	"github.com/keelhq/sessiond/internal/logger"
)

// LogoutCmd revokes the session with the provider and clears local state.
type LogoutCmd struct {
	ProviderFlags
}

func (c *LogoutCmd) Run(globals *Globals) error {
	log := logger.Setup(globals.Debug)

	comps, err := assemble(log, &c.ProviderFlags)
	if err != nil {
		return err
	}
	defer comps.Close()

	if err := comps.client.SignOut(context.Background()); err != nil {
		return fmt.Errorf("logout failed: %w", err)
	}

	fmt.Println("Signed out")

	return nil
}
