package commands

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/keelhq/sessiond/internal/config"
	"github.com/keelhq/sessiond/internal/gate"
	"github.com/keelhq/sessiond/internal/identity"
	"github.com/keelhq/sessiond/internal/kvstore"
	"github.com/keelhq/sessiond/internal/logger"
	"github.com/keelhq/sessiond/internal/startup"
	"github.com/keelhq/sessiond/internal/tokenmgr"
)

type Globals struct {
	Debug   bool
	Version string
}

// ProviderFlags are shared by every command that talks to the provider.
type ProviderFlags struct {
	ProviderURL string `help:"identity provider base URL" env:"SESSIOND_PROVIDER_URL"`
	APIKey      string `help:"provider API key" env:"SESSIOND_API_KEY"`
	StorePath   string `help:"path to the durable state database" env:"SESSIOND_STORE_PATH"`
	ConfigFile  string `help:"path to the config file" env:"SESSIOND_CONFIG"`
}

// resolve merges the config file under the flag/env values.
func (f *ProviderFlags) resolve() (*config.Config, error) {
	cfg, err := config.Load(f.ConfigFile)
	if err != nil {
		return nil, err
	}

	if f.ProviderURL != "" {
		cfg.ProviderURL = f.ProviderURL
	}
	if f.APIKey != "" {
		cfg.APIKey = f.APIKey
	}
	if f.StorePath != "" {
		cfg.StorePath = f.StorePath
	}

	if cfg.ProviderURL == "" {
		return nil, errors.New("identity provider URL is required (--provider-url or SESSIOND_PROVIDER_URL)")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("provider API key is required (--api-key or SESSIOND_API_KEY)")
	}

	return cfg, nil
}

// components holds the assembled subsystem shared by every command.
type components struct {
	store     *kvstore.Store
	client    *identity.Client
	manager   *tokenmgr.Manager
	gate      *gate.Gate
	sequencer *startup.Sequencer
}

func (c *components) Close() error {
	return c.store.Close()
}

// assemble wires the store, identity client, token manager, gate, and
// sequencer in dependency order.
func assemble(log zerolog.Logger, flags *ProviderFlags, opts ...startup.Option) (*components, error) {
	cfg, err := flags.resolve()
	if err != nil {
		return nil, err
	}

	store, err := kvstore.Open(cfg.StorePath)
	if err != nil {
		return nil, err
	}

	clientID, err := startup.EnsureClientID(store)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to provision client id: %w", err)
	}

	client := identity.NewClient(identity.Config{
		BaseURL:  cfg.ProviderURL,
		APIKey:   cfg.APIKey,
		ClientID: clientID,
	}, store, identity.WithHTTPClient(&http.Client{
		Transport: logger.NewHTTPRequests(log, nil),
		Timeout:   identity.DefaultTimeout,
	}))

	manager := tokenmgr.New(client, store)
	g := gate.New()

	return &components{
		store:     store,
		client:    client,
		manager:   manager,
		gate:      g,
		sequencer: startup.New(store, client, manager, g, opts...),
	}, nil
}
