package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"syscall"
	"time"

	gosundheit "github.com/AppsFlyer/go-sundheit"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/authrim/authrim/config"
	"github.com/authrim/authrim/events"
	"github.com/authrim/authrim/server"
	"github.com/authrim/authrim/storage"
)

func commandServe() *cobra.Command {
	return &cobra.Command{
		Use:     "serve [config file]",
		Short:   "Launch Authrim",
		Example: "authrim serve config.yaml",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return serve(args[0])
		},
	}
}

func serve(configFile string) error {
	c, err := loadConfig(configFile)
	if err != nil {
		return err
	}

	logger, err := newLogger(c.Logger)
	if err != nil {
		return fmt.Errorf("invalid config: %v", err)
	}
	logger.Info("starting authrim", "version", version)

	store, err := c.Storage.Config.Open(logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := seed(ctx, store, c); err != nil {
		return err
	}

	prometheusRegistry := prometheus.NewRegistry()
	prometheusRegistry.MustRegister(collectors.NewGoCollector())
	prometheusRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	healthChecker := gosundheit.New()

	bus := events.NewChannelBus(logger, 1024, func(e events.Event) {
		logger.Debug("event", "type", e.Type, "tenant", e.TenantID)
	})

	trusted := make([]server.TrustedIssuer, 0, len(c.TrustedIssuers))
	for _, ti := range c.TrustedIssuers {
		trusted = append(trusted, server.TrustedIssuer{
			Issuer:        ti.Issuer,
			JWKS:          ti.JWKS,
			AllowedScopes: ti.AllowedScopes,
			Audience:      ti.Audience,
		})
	}

	rotation := true
	if c.Expiry.RefreshRotation != nil {
		rotation = *c.Expiry.RefreshRotation
	}
	refreshPolicy, err := server.NewRefreshTokenPolicy(logger, rotation, c.Expiry.RefreshValidIfNotUsedFor, c.Expiry.RefreshTokens)
	if err != nil {
		return fmt.Errorf("invalid refresh token policy: %v", err)
	}

	serverConfig := server.Config{
		Issuer:                 c.Issuer,
		Storage:                store,
		ConfigProvider:         config.New(store, logger),
		Events:                 bus,
		AllowedGrantTypes:      c.OAuth2.GrantTypes,
		AllowedOrigins:         c.AllowedOrigins,
		RotateKeysAfter:        parseDuration(c.Expiry.SigningKeys),
		KeyOverlapWindow:       parseDuration(c.Expiry.KeyOverlap),
		IDTokensValidFor:       parseDuration(c.Expiry.IDTokens),
		AccessTokensValidFor:   parseDuration(c.Expiry.AccessTokens),
		RefreshTokensValidFor:  parseDuration(c.Expiry.RefreshTokens),
		AuthCodesValidFor:      parseDuration(c.Expiry.AuthCodes),
		DeviceRequestsValidFor: parseDuration(c.Expiry.DeviceRequests),
		SessionsValidFor:       parseDuration(c.Expiry.Sessions),
		RefreshTokenPolicy:     refreshPolicy,
		Production:             c.Production,
		TrustedIssuers:         trusted,
		TokenExchange:          c.OAuth2.TokenExchange,
		NativeSSO:              c.OAuth2.NativeSSO,
		Logout:                 c.OAuth2.Logout,
		OTPHMACSecret:          []byte(c.OTPHMACSecret),
		DeviceIDHMACSecret:     []byte(c.DeviceIDHMACSecret),
		WebhookSecretKey:       []byte(c.WebhookSecretKey),
		CookieSecure:           c.Web.HTTPS != "",
		Logger:                 logger,
		PrometheusRegistry:     prometheusRegistry,
		HealthChecker:          healthChecker,
	}

	srv, err := server.NewServer(ctx, serverConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize server: %v", err)
	}

	var group run.Group
	group.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	if c.Web.HTTP != "" {
		httpServer := &http.Server{
			Addr:    c.Web.HTTP,
			Handler: srv,
		}
		group.Add(func() error {
			logger.Info("listening on http", "addr", c.Web.HTTP)
			return httpServer.ListenAndServe()
		}, func(error) {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			httpServer.Shutdown(shutdownCtx)
		})
	}
	if c.Web.HTTPS != "" {
		httpsServer := &http.Server{
			Addr:    c.Web.HTTPS,
			Handler: srv,
		}
		group.Add(func() error {
			logger.Info("listening on https", "addr", c.Web.HTTPS)
			return httpsServer.ListenAndServeTLS(c.Web.TLSCert, c.Web.TLSKey)
		}, func(error) {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			httpsServer.Shutdown(shutdownCtx)
		})
	}

	err = group.Run()

	// Drain background fan-out and the event bus before exiting.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer drainCancel()
	if serr := srv.Shutdown(drainCtx); serr != nil {
		logger.Error("failed to drain background work", "err", serr)
	}
	if berr := bus.Close(drainCtx); berr != nil {
		logger.Error("failed to drain event bus", "err", berr)
	}

	if _, ok := err.(run.SignalError); ok {
		logger.Info("shutting down", "reason", err)
		return nil
	}
	return err
}

func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// seed applies static clients and tenant profiles from the config file.
func seed(ctx context.Context, store storage.Storage, c Config) error {
	for _, client := range c.StaticClients {
		if err := store.CreateClient(ctx, client); err != nil && err != storage.ErrAlreadyExists {
			return fmt.Errorf("failed to seed client %s: %v", client.ID, err)
		}
	}
	for _, tenant := range c.Tenants {
		if err := store.UpsertTenantProfile(ctx, tenant); err != nil {
			return fmt.Errorf("failed to seed tenant %s: %v", tenant.ID, err)
		}
	}
	return nil
}
