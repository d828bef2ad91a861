package service

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"layersync/internal/arcgis"
	"layersync/internal/config"
	"layersync/internal/dbclient"
	"layersync/internal/secret"
)

// resources resolves named portals and database connections from the
// configuration, fetching credentials from the secret store on demand.
// It implements sources.Resources.
type resources struct {
	mu      sync.Mutex
	cfg     *config.Config
	secrets secret.SecretStore
	logger  *zap.Logger
	clients map[string]*arcgis.Client

	// clientOpts is appended to every new portal client (tests inject an
	// HTTP client here).
	clientOpts []arcgis.Option
}

func newResources(cfg *config.Config, secrets secret.SecretStore, logger *zap.Logger) *resources {
	return &resources{
		cfg:     cfg,
		secrets: secrets,
		logger:  logger,
		clients: map[string]*arcgis.Client{},
	}
}

// reset swaps in a new configuration and drops cached clients.
func (r *resources) reset(cfg *config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
	r.clients = map[string]*arcgis.Client{}
}

func (r *resources) Logger() *zap.Logger { return r.logger }

// Portal returns a cached client per portal name. Without a configured
// default portal, an anonymous ArcGIS Online client is used.
func (r *resources) Portal(_ context.Context, name string) (*arcgis.Client, error) {
	if name == "" {
		name = config.DefaultPortal
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[name]; ok {
		return c, nil
	}

	var creds arcgis.Credentials
	portalURL := arcgis.DefaultPortal
	pc, ok := r.cfg.Portal(name)
	switch {
	case ok:
		portalURL = pc.URL
		token, err := secret.Require(r.secrets, pc.TokenSecret)
		if err != nil {
			return nil, fmt.Errorf("portal %q: %w", name, err)
		}
		password, err := secret.Require(r.secrets, pc.PasswordSecret)
		if err != nil {
			return nil, fmt.Errorf("portal %q: %w", name, err)
		}
		creds = arcgis.Credentials{Username: pc.Username, Password: password, Token: token}
	case name != config.DefaultPortal:
		return nil, fmt.Errorf("unknown portal %q", name)
	}

	opts := append([]arcgis.Option{arcgis.WithLogger(r.logger.With(zap.String("portal", name)))}, r.clientOpts...)
	c := arcgis.New(portalURL, creds, opts...)
	r.clients[name] = c
	r.logger.Debug("portal client created", zap.String("portal", name), zap.String("url", c.Portal()))
	return c, nil
}

// Database opens a fresh connector; the caller closes it.
func (r *resources) Database(ctx context.Context, name string) (dbclient.Connector, error) {
	r.mu.Lock()
	conn, ok := r.cfg.Database(name)
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown database connection %q", name)
	}

	password, err := secret.Require(r.secrets, conn.PasswordSecret)
	if err != nil {
		return nil, fmt.Errorf("database %q: %w", name, err)
	}
	c, err := dbclient.NewConnector(&conn, password, r.logger.With(zap.String("connection", name)))
	if err != nil {
		return nil, fmt.Errorf("database %q: %w", name, err)
	}
	if err := c.TestConnection(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("database %q: %w", name, err)
	}
	return c, nil
}
