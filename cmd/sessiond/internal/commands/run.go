package commands

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/keelhq/sessiond/internal/logger"
	"github.com/keelhq/sessiond/internal/telemetry"
)

// RunCmd runs the session-keeper daemon: it rehydrates the session, opens
// the ready gate, and keeps the token fresh until interrupted.
type RunCmd struct {
	ProviderFlags

	Metrics bool `help:"export OpenTelemetry metrics" default:"false" env:"SESSIOND_METRICS"`
}

func (c *RunCmd) Run(globals *Globals) error {
	log := logger.Setup(globals.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("starting sessiond")

	if c.Metrics {
		shutdown, err := telemetry.InitTelemetry(ctx, "sessiond", globals.Version)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize telemetry, continuing without metrics")
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(shutdownCtx); err != nil {
					log.Error().Err(err).Msg("failed to shutdown telemetry")
				}
			}()
		}
	}

	comps, err := assemble(log, &c.ProviderFlags)
	if err != nil {
		return err
	}
	defer comps.Close()

	if err := comps.sequencer.Start(ctx); err != nil {
		return err
	}

	log.Info().Bool("authenticated", comps.manager.Authenticated()).Msg("sessiond ready")

	<-ctx.Done()

	log.Info().Msg("shutting down")
	comps.sequencer.Wait()

	return nil
}
