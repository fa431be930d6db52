package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/banshee-data/csi.relay/internal/config"
	"github.com/banshee-data/csi.relay/internal/console"
	"github.com/banshee-data/csi.relay/internal/discovery"
	"github.com/banshee-data/csi.relay/internal/monitoring"
	"github.com/banshee-data/csi.relay/internal/node"
	"github.com/banshee-data/csi.relay/internal/store"
	"github.com/banshee-data/csi.relay/internal/version"
)

var (
	configPath  = pflag.String("config", "", "Path to a YAML configuration file (defaults apply when empty)")
	devMode     = pflag.Bool("dev", false, "Run with the synthetic radio and a stdin console")
	listen      = pflag.String("listen", "", "Admin HTTP listen address (overrides admin.listen)")
	consoleFlag = pflag.String("console", "", "Console source: stdin, serial or none (overrides console.source)")
	echo        = pflag.Bool("echo", false, "Copy every record to stdout")
	showVersion = pflag.Bool("version", false, "Print the version and exit")
)

func loadConfig() (config.Config, error) {
	if *configPath == "" {
		return config.Default(), nil
	}
	return config.Load(*configPath)
}

// openConsole returns the command source and reply sink selected by cfg.
func openConsole(cfg config.Config) (io.Reader, io.Writer, io.Closer, error) {
	switch cfg.Console.Source {
	case "stdin":
		return os.Stdin, os.Stdout, nil, nil
	case "serial":
		port, err := console.OpenSerial(cfg.Console.Port, console.PortOptions{
			BaudRate: cfg.Console.BaudRate,
			DataBits: cfg.Console.DataBits,
			StopBits: cfg.Console.StopBits,
			Parity:   cfg.Console.Parity,
		}, cfg.Console.PollInterval)
		if err != nil {
			return nil, nil, nil, err
		}
		return port, port, port, nil
	case "none":
		return nil, nil, nil, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown console source %q", cfg.Console.Source)
}

func main() {
	pflag.Parse()
	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *devMode {
		cfg.Radio.Driver = "synthetic"
		cfg.Console.Source = "stdin"
	}
	if *consoleFlag != "" {
		cfg.Console.Source = *consoleFlag
	}
	if *listen != "" {
		cfg.Admin.Listen = *listen
	}
	if *echo {
		cfg.Forward.Echo = true
	}

	logCloser := monitoring.ConfigureOutput(monitoring.OutputConfig{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Stderr:     *devMode,
	})
	defer logCloser.Close()
	log.Printf("csi-node %s", version.String())

	st, res, err := store.Open(cfg.Storage.Path)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()
	if res.Formatted {
		log.Printf("Store %s was incompatible and has been re-initialised", cfg.Storage.Path)
	}

	in, out, consoleCloser, err := openConsole(cfg)
	if err != nil {
		log.Fatalf("failed to open console: %v", err)
	}
	if consoleCloser != nil {
		defer consoleCloser.Close()
	}

	opts := node.Options{
		Config:     cfg,
		Console:    in,
		ConsoleOut: out,
		Store:      st,
	}
	if cfg.Forward.Echo {
		opts.Echo = os.Stdout
	}
	if cfg.Discovery.Active() {
		resolver, err := discovery.NewMulticastResolver()
		if err != nil {
			log.Printf("mDNS host resolution unavailable: %v", err)
		} else {
			defer resolver.Close()
			opts.Resolver = resolver
		}
	}

	n, err := node.New(opts)
	if err != nil {
		log.Fatalf("failed to initialise node: %v", err)
	}
	defer n.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := n.Run(ctx); err != nil {
			log.Printf("node stopped: %v", err)
		}
		log.Printf("node routine stopped")
	}()

	if cfg.Admin.Listen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mux := http.NewServeMux()
			if err := n.AttachAdminRoutes(mux); err != nil {
				log.Printf("failed to attach admin routes: %v", err)
				return
			}
			server := &http.Server{
				Addr:              cfg.Admin.Listen,
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}

			go func() {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatalf("failed to start admin server: %v", err)
				}
			}()
			log.Printf("Admin pages on http://%s/debug/", cfg.Admin.Listen)

			<-ctx.Done()
			log.Println("shutting down HTTP server...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Printf("HTTP server shutdown error: %v", err)
				if err := server.Close(); err != nil {
					log.Printf("HTTP server force close error: %v", err)
				}
			}
			log.Printf("HTTP server routine stopped")
		}()
	}

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
