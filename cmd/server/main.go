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

	"security-gateway/internal/factory"
	"security-gateway/internal/handler"
	"security-gateway/internal/util"
)

func main() {
	f, err := factory.NewFactory()
	if err != nil {
		// the logger may not be up yet when configuration fails
		fmt.Fprintf(os.Stderr, "failed to initialize factory: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	cfg := f.Config()
	router := setupRouter(f)

	serverAddr := cfg.GetServerAddress()
	if cfg.Server.EnableTLS {
		serverAddr = fmt.Sprintf(":%d", cfg.Server.TLSPort)
	}

	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	servers := []*http.Server{server}
	if cfg.Server.EnableTLS {
		tlsManager := f.TLSManager()
		server.TLSConfig = tlsManager.GetTLSConfig()

		// plain HTTP only serves ACME challenges and redirects
		redirect := &http.Server{
			Addr:              cfg.GetServerAddress(),
			Handler:           tlsManager.HTTPHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		servers = append(servers, redirect)
		go serve(redirect, func() error { return redirect.ListenAndServe() })

		util.Info("Starting HTTPS server",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.TLSPort),
			util.Bool("auto_cert", cfg.Server.AutoCert),
		)
		go serve(server, func() error { return server.ListenAndServeTLS("", "") })
	} else {
		if cfg.IsProduction() {
			util.Warn("Starting HTTP server in production - TLS is disabled")
		}
		util.Info("Starting HTTP server",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.Port),
		)
		go serve(server, server.ListenAndServe)
	}

	waitForShutdown(f, servers...)
}

// setupRouter creates the HTTP router with the gateway in front of every route
func setupRouter(f *factory.Factory) http.Handler {
	cfg := f.Config()
	securityHandler := handler.NewSecurityHandler(f.SecurityService(), util.Get())
	return handler.NewRouter(handler.RouterConfig{
		CORSOrigins: cfg.Server.CORSOrigins,
		Gateway:     f.Gateway().Middleware,
		Health:      f,
	}, securityHandler, util.Get())
}

func serve(server *http.Server, listen func() error) {
	if err := listen(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		util.Fatal("Server failed to start", util.String("address", server.Addr), util.ErrorField(err))
	}
}

func waitForShutdown(f *factory.Factory, servers ...*http.Server) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-signalChan
	util.Info("Received shutdown signal", util.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			util.Error("Failed to shutdown server gracefully", util.ErrorField(err))
		} else {
			util.Info("Server shutdown completed", util.String("address", srv.Addr))
		}
	}
	f.Close()
}
