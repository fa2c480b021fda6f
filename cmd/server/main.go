package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"

	"gihan9a/groupsync/internal/config"
	"gihan9a/groupsync/internal/server"
	"gihan9a/groupsync/internal/store/backend"
	"gihan9a/groupsync/internal/tls"
)

func main() {
	flag.Set("logtostderr", "true")
	defer glog.Flush()

	// Parse command line flags and get configuration
	cfg, err := config.ParseFlags()
	if err != nil {
		glog.Fatalf("Error parsing configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set up the TLS certificate if needed
	if cfg.TLS.Enabled && cfg.TLS.GenerateCert {
		if err := tls.EnsureCertificate(cfg.TLS.CertFile, cfg.TLS.KeyFile); err != nil {
			glog.Fatalf("Failed to set up TLS certificate: %v", err)
		}
	}

	st, err := backend.OpenStore(ctx, cfg.Store)
	if err != nil {
		glog.Fatalf("Failed to open %s store: %v", cfg.Store.Backend, err)
	}
	defer st.Close()

	var opts []server.Option
	if cfg.Fanout.Enabled {
		fanout, err := server.DialRedisFanout(ctx, cfg.Fanout.Addr, cfg.Fanout.Channel)
		if err != nil {
			glog.Fatalf("Failed to set up fanout: %v", err)
		}
		opts = append(opts, server.WithFanout(fanout))
	}

	if cfg.External.URL != "" {
		glog.Infof("External jobs go to %s", cfg.External.URL)
		opts = append(opts, server.WithExternal(server.Webhook(cfg.External.URL, cfg.External.Timeout)))
	}

	syncServer := server.New(cfg, st, opts...)
	defer syncServer.Close()
	if err := syncServer.Start(ctx); err != nil {
		glog.Fatalf("Failed to start server: %v", err)
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           syncServer.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			glog.Warningf("Shutdown: %v", err)
		}
	}()

	glog.Infof("Using %s store", cfg.Store.Backend)
	if cfg.TLS.Enabled {
		glog.Infof("Group sync server running at https://localhost%s", httpServer.Addr)
		glog.Infof("Using TLS certificate: %s", cfg.TLS.CertFile)
		err = httpServer.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	} else {
		glog.Infof("Group sync server running at http://localhost%s", httpServer.Addr)
		err = httpServer.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		glog.Errorf("Server error: %v", err)
	}
}
