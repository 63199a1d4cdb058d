package main

import (
	"github.com/alecthomas/kong"

	"github.com/keelhq/sessiond/cmd/sessiond/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Run    commands.RunCmd    `cmd:"" help:"Run the session-keeper daemon"`
		Login  commands.LoginCmd  `cmd:"" help:"Sign in and persist a session"`
		Logout commands.LogoutCmd `cmd:"" help:"Sign out and clear the session"`
		Status commands.StatusCmd `cmd:"" help:"Show the current session state"`
		Token  commands.TokenCmd  `cmd:"" help:"Print a fresh access token"`
		Debug  bool               `help:"Enable debug mode."`

		Version kong.VersionFlag
	}
)

func main() {
	cmd := kong.Parse(&cli,
		kong.Vars{
			"version": version,
		})
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
