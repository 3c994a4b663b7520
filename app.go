package main

import (
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/go-authgate/vakya-cli/api"
	"github.com/go-authgate/vakya-cli/identity"
	"github.com/go-authgate/vakya-cli/pipeline"
	"github.com/go-authgate/vakya-cli/session"
	"github.com/go-authgate/vakya-cli/tui"
)

// app holds the wired components for one CLI run.
type app struct {
	cfg      config
	display  tui.Displayer
	logger   *slog.Logger
	registry *prometheus.Registry
	provider identity.Provider
	manager  *session.Manager
	api      *api.Client
	out      io.Writer
	in       io.Reader
}

func newTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}

func newApp(cfg config, d tui.Displayer, logger *slog.Logger, out io.Writer, in io.Reader) (*app, error) {
	transport := newTransport()

	serverURL, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_URL: %w", err)
	}
	// identity endpoints live under the API base path
	endpoints := session.DefaultEndpoints()
	endpoints.Login = serverURL.Path + endpoints.Login
	endpoints.Refresh = serverURL.Path + endpoints.Refresh
	endpoints.Logout = serverURL.Path + endpoints.Logout
	endpoints.Me = serverURL.Path + endpoints.Me
	origin := serverURL.Scheme + "://" + serverURL.Host

	var jar http.CookieJar
	if cfg.CookieFile == "-" {
		jar, err = cookiejar.New(nil)
	} else {
		jar, err = session.NewFileJar(cfg.CookieFile, origin+endpoints.Refresh, logger.With("component", "cookies"))
	}
	if err != nil {
		return nil, err
	}

	backend, err := session.NewBackend(origin,
		session.WithEndpoints(endpoints),
		session.WithBackendHTTPClient(&http.Client{Transport: transport, Jar: jar}),
	)
	if err != nil {
		return nil, err
	}

	provider, err := identity.NewOAuthProvider(
		cfg.IDPURL,
		cfg.ClientID,
		identity.NewFileStore(cfg.CredentialsFile),
		identity.WithHTTPClient(&http.Client{Transport: transport}),
		identity.WithPrompt(d),
		identity.WithLogger(logger.With("component", "identity")),
	)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	manager := session.NewManager(backend, provider,
		session.WithLogger(logger.With("component", "session")),
		session.WithRegisterer(registry),
		session.WithRestorePolicy(cfg.RestorePolicy),
		session.WithGateTimeout(cfg.GateTimeout),
		session.OnStateChange(func(s session.State) {
			if s == session.StateRestoring {
				d.Restoring()
			}
		}),
		session.OnTokenInstalled(d.TokenInstalled),
		session.OnSessionExpired(d.SessionExpired),
	)

	httpClient := pipeline.NewClient(manager, jar,
		pipeline.WithBase(transport),
		pipeline.WithIdentityPaths(endpoints.IdentityPaths()...),
		pipeline.WithLogger(logger.With("component", "pipeline")),
		pipeline.WithRegisterer(registry),
	)
	apiClient, err := api.New(cfg.ServerURL, httpClient)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:      cfg,
		display:  d,
		logger:   logger,
		registry: registry,
		provider: provider,
		manager:  manager,
		api:      apiClient,
		out:      out,
		in:       in,
	}, nil
}

// close stops background work and logs the session counters.
func (a *app) close() {
	a.manager.Close()

	families, err := a.registry.Gather()
	if err != nil {
		a.logger.Debug("failed to gather metrics", "error", err)
		return
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			attrs := []any{"name", mf.GetName(), "value", m.GetCounter().GetValue()}
			for _, lp := range m.GetLabel() {
				attrs = append(attrs, lp.GetName(), lp.GetValue())
			}
			a.logger.Debug("metric", attrs...)
		}
	}
}
