package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chat-auth-guard/internal/config"
	"chat-auth-guard/internal/factory"
	"chat-auth-guard/internal/util"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)
	defer util.Sync()

	f, err := factory.NewFactory(cfg)
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}

	router, err := f.NewRouter()
	if err != nil {
		f.Close()
		util.Fatal("Failed to build router", util.ErrorField(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	go f.Sweeper().Run(ctx)

	servers := startServers(f, cfg, router)

	<-ctx.Done()
	util.Info("Received shutdown signal")

	shutdown(f, servers)
}

// startServers launches the API server and, with AutoCert in production,
// the port 80 ACME challenge server alongside it.
func startServers(f *factory.Factory, cfg *config.Config, router http.Handler) []*http.Server {
	server := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if !cfg.Server.EnableTLS {
		util.Warn("Starting HTTP server - TLS is disabled",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.Port),
		)
		go serve(server, func() error { return server.ListenAndServe() })
		return []*http.Server{server}
	}

	tlsManager := f.TLSManager()
	server.Addr = fmt.Sprintf(":%d", cfg.Server.TLSPort)
	server.TLSConfig = tlsManager.GetTLSConfig()
	servers := []*http.Server{server}

	if cfg.IsProduction() && cfg.Server.AutoCert {
		autoCertManager := tlsManager.GetAutocertManager()
		if autoCertManager == nil {
			util.Fatal("AutoCert manager is not available in production")
		}
		server.Addr = ":443"

		challenge := &http.Server{
			Addr:              ":80",
			Handler:           autoCertManager.HTTPHandler(nil),
			ReadHeaderTimeout: 10 * time.Second,
		}
		util.Info("Starting HTTP challenge server on port 80")
		go serve(challenge, func() error { return challenge.ListenAndServe() })
		servers = append(servers, challenge)
	}

	util.Info("Starting HTTPS server",
		util.String("environment", cfg.Environment),
		util.String("address", server.Addr),
		util.Bool("auto_cert", cfg.Server.AutoCert),
	)
	// Certificates come from TLSConfig.GetCertificate.
	go serve(server, func() error { return server.ListenAndServeTLS("", "") })
	return servers
}

func serve(server *http.Server, listen func() error) {
	if err := listen(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		util.Fatal("Server failed", util.String("address", server.Addr), util.ErrorField(err))
	}
}

// shutdown stops accepting requests first, so every post-phase recording
// has been queued before the factory drains it.
func shutdown(f *factory.Factory, servers []*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			util.Error("Failed to shutdown server gracefully", util.String("address", srv.Addr), util.ErrorField(err))
		} else {
			util.Info("Server shutdown completed", util.String("address", srv.Addr))
		}
	}

	if err := f.Close(); err != nil {
		util.Warn("Factory closed with errors", util.ErrorField(err))
	}
}
