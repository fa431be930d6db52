package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/banshee-data/csi.relay/internal/collector"
	"github.com/banshee-data/csi.relay/internal/config"
	"github.com/banshee-data/csi.relay/internal/monitoring"
	"github.com/banshee-data/csi.relay/internal/version"
)

var (
	configPath  = pflag.String("config", "", "Path to a YAML configuration file (defaults apply when empty)")
	listen      = pflag.String("listen", "", "UDP address to receive records on (overrides collector.listen)")
	adminListen = pflag.String("admin", "", "Admin HTTP listen address (overrides collector.admin_listen)")
	output      = pflag.StringP("output", "o", "", "CSV output file (defaults to csi_data/csi_data_<start>.csv)")
	plotPath    = pflag.String("plot", "", "Write a PNG of mean values per subcarrier on exit")
	pcapFile    = pflag.String("pcap", "", "Replay records from a pcap capture instead of listening")
	showVersion = pflag.Bool("version", false, "Print the version and exit")
)

func main() {
	pflag.Parse()
	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	cc := cfg.Collector
	if *listen != "" {
		cc.Listen = *listen
	}
	if *adminListen != "" {
		cc.AdminListen = *adminListen
	}
	if *output != "" {
		cc.CSVPath = *output
	}
	if *plotPath != "" {
		cc.PlotPath = *plotPath
	}
	if cc.CSVPath == "" {
		cc.CSVPath = collector.DefaultCSVPath("csi_data", time.Now())
	}

	logCloser := monitoring.ConfigureOutput(monitoring.OutputConfig{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer logCloser.Close()

	session := collector.NewSessionID()
	csvOut, err := collector.OpenCSV(cc.CSVPath, session)
	if err != nil {
		log.Fatalf("failed to open output: %v", err)
	}
	defer csvOut.Close()
	log.Printf("csi-collector %s, session %s, writing to %s", version.String(), session, cc.CSVPath)

	c := collector.New(collector.Config{
		Listen:        cc.Listen,
		Sink:          csvOut,
		StatsInterval: cc.StatsInterval,
		SessionID:     session,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer stop()
		if *pcapFile != "" {
			f, err := os.Open(*pcapFile)
			if err != nil {
				log.Printf("failed to open capture: %v", err)
				return
			}
			defer f.Close()
			st, err := c.Replay(ctx, f, cfg.Forward.Port)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("replay failed: %v", err)
			}
			log.Printf("Replayed %d of %d frames (%d rejected)", st.Delivered, st.Packets, st.Errors)
			return
		}
		if err := c.Run(ctx); err != nil {
			log.Printf("receiver stopped: %v", err)
		}
	}()

	if cc.AdminListen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mux := http.NewServeMux()
			c.AttachAdminRoutes(mux)
			server := &http.Server{
				Addr:              cc.AdminListen,
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatalf("failed to start admin server: %v", err)
				}
			}()

			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Printf("HTTP server shutdown error: %v", err)
				server.Close()
			}
		}()
	}

	wg.Wait()

	if cc.PlotPath != "" {
		if err := collector.PlotMeans(c.Profile(), cc.PlotPath); err != nil {
			log.Printf("failed to write plot: %v", err)
		} else {
			log.Printf("Wrote %s", cc.PlotPath)
		}
	}
	log.Printf("Collection stopped. %d rows written to %s", csvOut.Rows(), cc.CSVPath)
}
