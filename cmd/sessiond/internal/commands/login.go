package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/keelhq/sessiond/internal/logger"
)

// LoginCmd signs in with the password grant and persists the session.
type LoginCmd struct {
	ProviderFlags

	Email    string `help:"account email" required:""`
	Password string `help:"account password" required:"" env:"SESSIOND_PASSWORD"`
}

func (c *LoginCmd) Run(globals *Globals) error {
	log := logger.Setup(globals.Debug)

	comps, err := assemble(log, &c.ProviderFlags)
	if err != nil {
		return err
	}
	defer comps.Close()

	ctx := context.Background()
	session, err := comps.client.SignInWithPassword(ctx, c.Email, c.Password)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	fmt.Printf("Signed in as %s (session valid for %s)\n",
		c.Email, session.TTL(time.Now()).Round(time.Second))

	return nil
}
