// Command botwaveapi is the demo reverse-proxy-style server showing the
// detection engine wired in as gin middleware: load config, construct the
// engine, build the router, serve with graceful shutdown.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrelsec/botwave/config"
	"github.com/kestrelsec/botwave/internal/engine"
	"github.com/kestrelsec/botwave/internal/httpadapter"
	"github.com/kestrelsec/botwave/pkg/adminauth"
	"github.com/kestrelsec/botwave/pkg/botlog"
	"github.com/kestrelsec/botwave/pkg/botreport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	botlog.Init(botlog.LevelInfo)
	logger := botlog.Default()
	logger.Info("starting botwaveapi", map[string]interface{}{"environment": cfg.Server.Environment, "port": cfg.Server.Port})

	if cfg.Sentry.Enabled {
		if err := botreport.Init(botreport.Config{
			DSN:              cfg.Sentry.DSN,
			Environment:      cfg.Sentry.Environment,
			Release:          cfg.Sentry.Release,
			TracesSampleRate: cfg.Sentry.TracesSampleRate,
		}); err != nil {
			logger.Error("sentry init failed, continuing without fatal-error reporting", err)
		}
		defer botreport.Close()
	}

	eng, err := engine.New(cfg)
	if err != nil {
		logger.Fatal("failed to construct engine", err)
	}

	adminMgr := mustAdminAuthManager(cfg, logger)

	gin.SetMode(cfg.Server.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestid.New())
	router.Use(logger.GinMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "environment": cfg.Server.Environment})
	})
	if cfg.Telemetry.Enabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	fingerprints := httpadapter.NewFingerprintStore(0)
	router.POST("/fingerprint", httpadapter.FingerprintHandler([]byte(cfg.Signature.Secret), fingerprints))

	router.Use(httpadapter.Middleware(eng, httpadapter.Options{
		Geo:           httpadapter.NoGeoLookup{},
		Fingerprints:  fingerprints,
		RevealHeaders: cfg.Policy.RevealDetectionHeaders,
	}))

	router.GET("/signature/:id", httpadapter.SignatureHandler(eng))

	admin := router.Group("/admin")
	{
		admin.POST("/policy/reload", httpadapter.RequireScope(adminMgr, "policy:reload"), httpadapter.ReloadPolicyHandler(eng))
		admin.GET("/abuse/banned-ips", httpadapter.RequireScope(adminMgr, "abuse:read"), httpadapter.BannedIPsHandler(eng))
		admin.POST("/signature/:id/unban", httpadapter.RequireScope(adminMgr, "signature:unban"), httpadapter.UnbanSignatureHandler(eng))
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("server started", map[string]interface{}{"address": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed to start", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", err)
	}
	if err := eng.Shutdown(ctx); err != nil {
		logger.Error("engine shutdown failed", err)
	}
	logger.Info("server exited", nil)
}

// mustAdminAuthManager loads the configured admin signing key, or — in
// development only — mints a fresh one so the demo server has working admin
// auth without operator setup. DevAutoGenKey must never be relied on in a
// real deployment: the generated key isn't persisted anywhere.
func mustAdminAuthManager(cfg *config.Config, logger *botlog.Logger) *adminauth.Manager {
	if cfg.AdminAuth.PrivateKeyPEM != "" {
		mgr, err := adminauth.NewManager(cfg.AdminAuth.PrivateKeyPEM)
		if err != nil {
			logger.Fatal("failed to load admin signing key", err)
		}
		return mgr
	}
	if !cfg.AdminAuth.DevAutoGenKey {
		logger.Fatal("no admin signing key configured and dev auto-generation disabled", nil)
	}
	priv, _, err := adminauth.GenerateRSAKeyPair()
	if err != nil {
		logger.Fatal("failed to generate dev admin signing key", err)
	}
	mgr, err := adminauth.NewManager(priv)
	if err != nil {
		logger.Fatal("failed to load generated dev admin signing key", err)
	}
	logger.Warn("using an auto-generated admin signing key; set BOTWAVE_ADMIN_JWT_PRIVATE_KEY in production", nil)
	return mgr
}
