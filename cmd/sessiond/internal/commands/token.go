package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/keelhq/sessiond/internal/logger"
	"github.com/keelhq/sessiond/internal/tokenmgr"
)

// TokenCmd prints an access token guaranteed to outlive an expensive
// downstream call.
type TokenCmd struct {
	ProviderFlags

	Force bool `help:"refresh even when the current token is fresh" default:"false"`
}

func (c *TokenCmd) Run(globals *Globals) error {
	log := logger.Setup(globals.Debug)

	comps, err := assemble(log, &c.ProviderFlags)
	if err != nil {
		return err
	}
	defer comps.Close()

	ctx := context.Background()

	if err := comps.sequencer.Start(ctx); err != nil {
		return err
	}
	if err := comps.gate.AwaitReady(ctx); err != nil {
		return err
	}

	token, err := comps.manager.ForceRefreshToken(ctx, c.Force)
	if err != nil {
		var refreshErr *tokenmgr.RefreshError
		if errors.As(err, &refreshErr) {
			return fmt.Errorf("%s: please sign in again (sessiond login)", refreshErr.Message)
		}
		return err
	}

	fmt.Println(token)

	return nil
}
