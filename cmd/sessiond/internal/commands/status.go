package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/keelhq/sessiond/internal/logger"
)

// StatusCmd reports the current session state.
type StatusCmd struct {
	ProviderFlags
}

func (c *StatusCmd) Run(globals *Globals) error {
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

	session, err := comps.client.GetSession(ctx)
	if err != nil {
		return err
	}
	if session == nil {
		fmt.Println("Signed out")
		return nil
	}

	user, err := comps.client.GetUser(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch user: %w", err)
	}

	ttl := session.TTL(time.Now()).Round(time.Second)
	fmt.Printf("Signed in as %s (%s)\n", user.Email, user.ID)
	if ttl > 0 {
		fmt.Printf("Token expires in %s\n", ttl)
	} else {
		fmt.Printf("Token expired %s ago\n", -ttl)
	}

	return nil
}
