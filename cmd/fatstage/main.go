// fatstage copies host files into a FAT image, creating the image first if
// needed.
//
//	fatstage -i bin/os.bin ./programs/blank/blank.elf:blank ./programs/shell/shell.elf:shell
//
// Without positional jobs the jobs come from the manifest (-m), and without
// a manifest the stock OS payloads are staged.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/c2h5oh/datasize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/jgarman/fatstage/internal/config"
	"github.com/jgarman/fatstage/internal/diskmanager"
	"github.com/jgarman/fatstage/internal/stage"
)

const (
	exitOK    = 0
	exitFail  = 1
	exitUsage = 2
)

// byteSizeValue adapts datasize.ByteSize to pflag.Value.
type byteSizeValue datasize.ByteSize

func (b *byteSizeValue) Set(s string) error {
	return (*datasize.ByteSize)(b).UnmarshalText([]byte(s))
}

func (b *byteSizeValue) String() string { return datasize.ByteSize(*b).String() }

func (b *byteSizeValue) Type() string { return "size" }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	flags := pflag.NewFlagSet("fatstage", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.Usage = func() {
		fmt.Fprintf(stderr, "Usage: fatstage [flags] [SRC[:DST] ...]\n\n")
		flags.PrintDefaults()
	}

	var (
		imagePath    = flags.StringP("image", "i", "", "path to the FAT image (env "+config.EnvImage+")")
		manifestPath = flags.StringP("manifest", "m", "", "JSON or YAML manifest with image settings and jobs")
		envFile      = flags.String("config-env", ".env", "optional .env file with FATSTAGE_* settings")
		create       = flags.Bool("create", true, "create the image if it does not exist")
		label        = flags.String("label", "", "volume label for a new image")
		readOnly     = flags.Bool("read-only", false, "open the image read-only; every write fails")
		backend      = flags.String("backend", "", "writer backend: diskfs or loopback")
		keepGoing    = flags.BoolP("keep-going", "k", false, "attempt every job and report all failures")
		verify       = flags.Bool("verify", false, "read every file back and compare digests")
		verbose      = flags.BoolP("verbose", "v", false, "enable debug logging")
		size         byteSizeValue
	)
	flags.Var(&size, "size", "size of a new image, e.g. 32MB")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	logrus.SetOutput(stderr)
	logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	logrus.SetLevel(logrus.InfoLevel)
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	log := logrus.StandardLogger()

	if err := config.LoadEnvFile(*envFile); err != nil {
		log.WithError(err).Error("loading env file")
		return exitUsage
	}

	cfg := config.Default()
	if *manifestPath != "" {
		if _, err := os.Stat(*manifestPath); err != nil {
			log.WithError(err).Error("reading manifest")
			return exitUsage
		}
		var err error
		if cfg, err = config.Load(*manifestPath); err != nil {
			log.WithError(err).Error("reading manifest")
			return exitUsage
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		log.WithError(err).Error("reading environment")
		return exitUsage
	}

	// Explicit flags win over manifest and environment.
	if flags.Changed("image") {
		cfg.Image.Path = *imagePath
	}
	if flags.Changed("create") {
		cfg.Image.AutoCreate = *create
	}
	if flags.Changed("size") {
		cfg.Image.Size = datasize.ByteSize(size)
	}
	if flags.Changed("label") {
		cfg.Image.Label = *label
	}
	if flags.Changed("read-only") {
		cfg.Image.ReadOnly = *readOnly
	}
	if flags.Changed("backend") {
		cfg.Image.Backend = *backend
	}
	if flags.Changed("keep-going") {
		cfg.Run.KeepGoing = *keepGoing
	}
	if flags.Changed("verify") {
		cfg.Run.Verify = *verify
	}

	if err := cfg.Validate(); err != nil {
		log.WithError(err).Error("invalid configuration")
		return exitUsage
	}
	be, err := diskmanager.ParseBackend(cfg.Image.Backend)
	if err != nil {
		log.WithError(err).Error("invalid configuration")
		return exitUsage
	}

	jobs := cfg.Jobs
	if flags.NArg() > 0 {
		if jobs, err = stage.ParseJobs(flags.Args()); err != nil {
			log.WithError(err).Error("invalid job")
			return exitUsage
		}
	}
	if len(jobs) == 0 {
		jobs = stage.DefaultJobs
	}

	dm, err := diskmanager.Open(diskmanager.Config{
		DiskPath:   cfg.Image.Path,
		ReadOnly:   cfg.Image.ReadOnly,
		AutoCreate: cfg.Image.AutoCreate,
		Size:       cfg.Image.Size,
		Label:      cfg.Image.Label,
		Backend:    be,
	})
	if err != nil {
		err = &stage.Error{Kind: stage.KindImageOpenError, Path: cfg.Image.Path, Err: err}
		log.WithError(err).Error("staging aborted")
		return exitFail
	}
	defer dm.Close()

	opts := stage.Options{Verify: cfg.Run.Verify, Log: log}
	if cfg.Run.KeepGoing {
		opts.Policy = stage.KeepGoing
	}

	var results []stage.Result
	err = dm.BeginTransaction(func(tx *diskmanager.Transaction) error {
		var err error
		results, err = stage.Run(ctx, tx, jobs, opts)
		return err
	})

	staged := 0
	for _, r := range results {
		if r.Err == nil {
			staged++
		}
	}
	summary := log.WithFields(logrus.Fields{
		"image":  cfg.Image.Path,
		"staged": staged,
		"jobs":   len(jobs),
		"policy": opts.Policy,
	})
	if err != nil {
		summary.WithError(err).Error("staging failed")
		return exitFail
	}
	summary.Info("staging complete")
	return exitOK
}
