package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-pkgz/lgr"
	"github.com/jessevdk/go-flags"

	"catadump/pkg/api"
	"catadump/pkg/config"
	"catadump/pkg/domain"
	"catadump/pkg/dropbox"
	"catadump/pkg/export"
	"catadump/pkg/fetch"
	"catadump/pkg/notify"
	"catadump/pkg/state"
	"catadump/pkg/store"
	"catadump/pkg/update"
)

// Opts with all CLI options
type Opts struct {
	Platforms bool  `short:"p" long:"platforms" description:"list all platforms and exit"`
	Games     int64 `short:"g" long:"games" description:"download games for the platform with this id"`
	Update    int   `short:"u" long:"update" description:"apply updates from the last N days to synced platforms"`

	SkipDetails    bool    `long:"skip-details" description:"skip the per-game detail stage"`
	ForceRestart   bool    `long:"force-restart" description:"wipe the cache and redownload instead of resuming"`
	WriteFromCache bool    `long:"write-from-cache" description:"write output files from cache without any requests"`
	UpdateRange    []int64 `long:"update-range" description:"limit updates to platform ids in this inclusive range (give twice: min max)"`

	Config    string `short:"c" long:"config" env:"CATADUMP_CONFIG" description:"config file"`
	APIKey    string `long:"api-key" env:"CATADUMP_API_KEY" description:"API key"`
	RateLimit int    `long:"rate-limit" env:"CATADUMP_RATE_LIMIT" description:"seconds to wait between requests"`
	CacheDir  string `long:"cache" description:"cache directory"`
	Output    string `long:"output" description:"output directory"`
	Format    string `long:"format" choice:"none" choice:"delimited" choice:"json" choice:"both" description:"output file format"`
	Delimiter string `long:"delimiter" description:"single-character field separator for delimited output"`
	Prefix    string `long:"prefix" description:"prefix for output filenames"`
	Dropbox   bool   `long:"dropbox" description:"zip and upload output files to Dropbox"`
	Discord   string `long:"discord" env:"DISCORD_WEBHOOK" description:"Discord webhook URL for progress notifications"`

	// Common options
	Debug   bool `long:"dbg" env:"DEBUG" description:"debug mode"`
	Version bool `short:"V" long:"version" description:"show version info"`
	NoColor bool `long:"no-color" env:"NO_COLOR" description:"disable color output"`
}

var revision = "unknown"

func main() {
	var opts Opts
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if opts.Version {
		fmt.Printf("Version: %s\nGolang: %s\n", revision, runtime.Version())
		os.Exit(0)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	if opts.NoColor {
		color.NoColor = true
	}
	setupLog(opts.Debug, cfg.API.Key, cfg.Dropbox.RefreshToken, cfg.Dropbox.AppSecret, cfg.Notify.DiscordWebhook)
	log.Printf("[INFO] starting catadump version %s", revision)

	ctx, cancel := context.WithCancel(context.Background())

	// handle termination signals
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		log.Print("[INFO] termination signal received")
		cancel()
	}()

	err = run(ctx, opts, cfg)
	cancel()

	if err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
	log.Print("[INFO] processing complete")
}

// run builds the component graph and dispatches the requested operation.
func run(ctx context.Context, opts Opts, cfg *config.Config) error {
	st, closeStore, err := makeStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	client := api.New(api.Config{
		BaseURL:   cfg.API.BaseURL,
		APIKey:    cfg.API.Key,
		RateLimit: cfg.API.RateLimit,
		UserAgent: cfg.API.UserAgent,
	})
	tracker := state.NewTracker(st)
	fetcher := fetch.New(client, st, tracker, cfg.API.PageSize, cfg.API.RateLimit)

	var uploader export.Uploader
	if cfg.Dropbox.Enabled {
		uploader = dropbox.New(dropbox.Config{
			AppKey:       cfg.Dropbox.AppKey,
			AppSecret:    cfg.Dropbox.AppSecret,
			RefreshToken: cfg.Dropbox.RefreshToken,
		})
	}
	exporter := export.New(st, fetcher, uploader, export.Config{
		Dir:       cfg.Output.Dir,
		Format:    outputFormat(cfg.Output.Format),
		Delimiter: []rune(cfg.Output.Delimiter)[0],
		Prefix:    cfg.Output.Prefix,
	})

	switch {
	case opts.Platforms:
		return listPlatforms(ctx, client, st)
	case opts.Update > 0:
		platforms, err := loadPlatforms(ctx, client, st)
		if err != nil {
			return err
		}
		platforms = filterRange(platforms, opts.UpdateRange)
		var notifier update.Notifier
		if cfg.Notify.DiscordWebhook != "" {
			notifier = notify.NewDiscord(cfg.Notify.DiscordWebhook)
		}
		reconciler := update.New(client, st, tracker, fetcher, exporter, notifier, cfg.API.PageSize)
		return reconciler.Run(ctx, opts.Update, opts.ForceRestart, platforms)
	case opts.Games != 0:
		return downloadPlatform(ctx, opts, client, st, tracker, fetcher, exporter)
	default:
		return errors.New("nothing to do, use --platforms, --games or --update")
	}
}

// downloadPlatform runs the two-stage download and export for one platform.
func downloadPlatform(ctx context.Context, opts Opts, client *api.Client, st store.Store,
	tracker *state.Tracker, fetcher *fetch.Fetcher, exporter *export.Exporter) error {
	platforms, err := loadPlatforms(ctx, client, st)
	if err != nil {
		return err
	}
	name := platformName(platforms, opts.Games)

	if opts.ForceRestart {
		lgr.Printf("[INFO] redownloading the %s platform from scratch", name)
		if _, err := tracker.Reset(opts.Games, time.Now()); err != nil {
			return err
		}
	}

	if !opts.WriteFromCache {
		comp, err := tracker.Load(opts.Games)
		if err != nil {
			return err
		}
		if comp.FullySynced() {
			lgr.Printf("[WARN] the %s platform is already downloaded, writing output from cache; "+
				"use --force-restart to redownload or --update to sync changes", name)
		} else if err := fetcher.Download(ctx, opts.Games, name, opts.SkipDetails); err != nil {
			return err
		}
	}
	return exporter.Export(ctx, opts.Games, name)
}

// listPlatforms prints the platforms list, refreshing the side cache.
func listPlatforms(ctx context.Context, client *api.Client, st store.Store) error {
	platforms, err := loadPlatforms(ctx, client, st)
	if err != nil {
		return err
	}
	sort.Slice(platforms, func(i, j int) bool { return platforms[i].PlatformID < platforms[j].PlatformID })
	for _, p := range platforms {
		fmt.Printf("%5d  %s\n", p.PlatformID, p.PlatformName)
	}
	return nil
}

// loadPlatforms returns the cached platforms list, fetching and caching it
// on first use.
func loadPlatforms(ctx context.Context, client *api.Client, st store.Store) ([]domain.Platform, error) {
	var platforms []domain.Platform
	err := st.GetBlob("platforms", &platforms)
	if err == nil {
		return platforms, nil
	}
	if !errors.Is(err, store.ErrNotFound) && !errors.Is(err, store.ErrCorrupt) {
		return nil, err
	}
	lgr.Printf("[INFO] retrieving platforms")
	if platforms, err = client.Platforms(ctx); err != nil {
		return nil, fmt.Errorf("fetch platforms: %w", err)
	}
	if err = st.PutBlob("platforms", platforms); err != nil {
		return nil, err
	}
	return platforms, nil
}

func platformName(platforms []domain.Platform, id int64) string {
	for _, p := range platforms {
		if p.PlatformID == id {
			return p.PlatformName
		}
	}
	return fmt.Sprintf("platform %d", id)
}

// filterRange keeps platforms whose id falls in the inclusive [min, max]
// range. Anything but exactly two bounds means no filtering.
func filterRange(platforms []domain.Platform, bounds []int64) []domain.Platform {
	if len(bounds) != 2 {
		return platforms
	}
	var filtered []domain.Platform
	for _, p := range platforms {
		if p.PlatformID >= bounds[0] && p.PlatformID <= bounds[1] {
			filtered = append(filtered, p)
		}
	}
	if len(filtered) == 0 {
		return platforms
	}
	return filtered
}

// loadConfig reads the config file when given, then applies flag overrides.
func loadConfig(opts Opts) (*config.Config, error) {
	cfg := config.Default()
	if opts.Config != "" {
		var err error
		if cfg, err = config.Load(opts.Config); err != nil {
			return nil, err
		}
	}
	if opts.APIKey != "" {
		cfg.API.Key = opts.APIKey
	}
	if cfg.API.Key == "" {
		cfg.API.Key = os.Getenv("MOBY_API_KEY")
	}
	if opts.RateLimit > 0 {
		cfg.API.RateLimit = time.Duration(opts.RateLimit) * time.Second
	}
	if opts.CacheDir != "" {
		cfg.Cache.Dir = opts.CacheDir
	}
	if opts.Output != "" {
		cfg.Output.Dir = opts.Output
	}
	if opts.Format != "" {
		cfg.Output.Format = opts.Format
	}
	if opts.Delimiter != "" {
		cfg.Output.Delimiter = opts.Delimiter
	}
	if opts.Prefix != "" {
		cfg.Output.Prefix = opts.Prefix
	}
	if opts.Dropbox {
		cfg.Dropbox.Enabled = true
	}
	if opts.Discord != "" {
		cfg.Notify.DiscordWebhook = opts.Discord
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.API.Key == "" && !opts.Platforms {
		return nil, errors.New("an API key is required, set --api-key or MOBY_API_KEY")
	}
	return cfg, nil
}

func makeStore(cfg *config.Config) (store.Store, func(), error) {
	if cfg.Cache.Backend == "sqlite" {
		st, err := store.NewSQLiteStore(cfg.Cache.DSN)
		if err != nil {
			return nil, nil, err
		}
		return st, func() {
			if err := st.Close(); err != nil {
				lgr.Printf("[WARN] close cache database: %v", err)
			}
		}, nil
	}
	return store.NewFileStore(cfg.Cache.Dir, cfg.Cache.Compress), func() {}, nil
}

func outputFormat(s string) export.Format {
	switch s {
	case "delimited":
		return export.FormatDelimited
	case "json":
		return export.FormatJSON
	case "both":
		return export.FormatBoth
	default:
		return export.FormatNone
	}
}

func setupLog(dbg bool, secs ...string) {
	// progress lines are the user-facing output, so info stays on without --dbg
	logOpts := []lgr.Option{lgr.Msec, lgr.LevelBraces}
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	}

	colorizer := lgr.Mapper{
		ErrorFunc:  func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
		WarnFunc:   func(s string) string { return color.New(color.FgRed).Sprint(s) },
		InfoFunc:   func(s string) string { return color.New(color.FgYellow).Sprint(s) },
		DebugFunc:  func(s string) string { return color.New(color.FgWhite).Sprint(s) },
		CallerFunc: func(s string) string { return color.New(color.FgBlue).Sprint(s) },
		TimeFunc:   func(s string) string { return color.New(color.FgCyan).Sprint(s) },
	}
	logOpts = append(logOpts, lgr.Map(colorizer))
	secrets := make([]string, 0, len(secs))
	for _, s := range secs {
		if s != "" {
			secrets = append(secrets, s)
		}
	}
	if len(secrets) > 0 {
		logOpts = append(logOpts, lgr.Secret(secrets...))
	}
	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}
