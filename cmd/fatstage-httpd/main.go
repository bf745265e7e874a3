// fatstage-httpd serves the staging API for one FAT image.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/jgarman/fatstage/internal/config"
	"github.com/jgarman/fatstage/internal/diskmanager"
	"github.com/jgarman/fatstage/internal/webui"
)

func main() {
	var (
		configPath = pflag.StringP("config", "c", "", "JSON or YAML config file")
		envFile    = pflag.String("config-env", ".env", "optional .env file with FATSTAGE_* settings")
		listen     = pflag.StringP("listen", "l", "", "listen address (env "+config.EnvListen+")")
		imagePath  = pflag.StringP("image", "i", "", "path to the FAT image (env "+config.EnvImage+")")
		readOnly   = pflag.Bool("read-only", false, "serve the image read-only")
		verbose    = pflag.BoolP("verbose", "v", false, "enable debug logging")
	)
	pflag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	log := logrus.StandardLogger()

	if err := config.LoadEnvFile(*envFile); err != nil {
		log.WithError(err).Fatal("Failed to load env file")
	}
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.WithError(err).Fatal("Failed to load config")
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		log.WithError(err).Fatal("Failed to read environment")
	}
	if pflag.CommandLine.Changed("listen") {
		cfg.Server.Listen = *listen
	}
	if pflag.CommandLine.Changed("image") {
		cfg.Image.Path = *imagePath
	}
	if pflag.CommandLine.Changed("read-only") {
		cfg.Image.ReadOnly = *readOnly
	}
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}

	if err := serve(cfg, log); err != nil {
		log.WithError(err).Fatal("Server exited with error")
	}
	log.Info("Server exited")
}

// serve opens the image and runs the API until SIGINT or SIGTERM. The image
// is closed on every return path.
func serve(cfg *config.Config, log *logrus.Logger) error {
	backend, err := diskmanager.ParseBackend(cfg.Image.Backend)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	dm, err := diskmanager.Open(diskmanager.Config{
		DiskPath:   cfg.Image.Path,
		ReadOnly:   cfg.Image.ReadOnly,
		AutoCreate: cfg.Image.AutoCreate,
		Size:       cfg.Image.Size,
		Label:      cfg.Image.Label,
		Backend:    backend,
	})
	if err != nil {
		return fmt.Errorf("failed to open disk image: %w", err)
	}
	defer dm.Close()

	log.WithFields(logrus.Fields{"image": cfg.Image.Path, "fat": dm.FATType()}).Info("Disk image opened")

	handler, err := webui.New(dm, int64(cfg.Server.MaxUpload.Bytes()), log)
	if err != nil {
		return fmt.Errorf("failed to initialize API: %w", err)
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.CORS.AllowedOrigins,
		AllowedMethods:   cfg.Server.CORS.AllowedMethods,
		AllowedHeaders:   cfg.Server.CORS.AllowedHeaders,
		AllowCredentials: cfg.Server.CORS.AllowCredentials,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      c.Handler(handler.Router()),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", srv.Addr).Info("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
