// Package main provides the scrobblebox entry point.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/joho/godotenv"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/scrobblebox/internal/infra/config"
	"github.com/osa030/scrobblebox/internal/infra/logger"
)

// Exit codes.
const (
	exitOK         = 0
	exitError      = 1
	exitIncomplete = 2
)

var (
	app        = kingpin.New("scrobblebox", "Submit the playback history of a Rockbox player to Last.fm, Libre.fm and compatible services")
	configPath = app.Flag("config", "Path to config file (default: $XDG_CONFIG_HOME/scrobblebox/config.yaml)").Short('c').String()
	verbose    = app.Flag("verbose", "Enable verbose (DEBUG) logging").Short('v').Bool()
	logfile    = app.Flag("logfile", "Path to log file (default: stderr)").String()

	// scrobble command (default)
	scrobbleCmd      = app.Command("scrobble", "Submit the plays in the playback log (default)").Default()
	scrobbleService  = scrobbleCmd.Flag("service", "Only submit to accounts of this service").String()
	scrobbleUsername = scrobbleCmd.Flag("username", "Only submit to accounts with this username").String()
	dryRun           = scrobbleCmd.Flag("dry-run", "Show what would be submitted without contacting any service").Bool()
	noTruncate       = scrobbleCmd.Flag("no-truncate", "Keep the playback log after a complete run").Bool()
	debugResponse    = scrobbleCmd.Flag("debug-response", "Log raw service responses").Bool()
	playbackLog      = app.Flag("playback-log", "Path to the playback log (default: <rockbox-dir>/playback.log)").String()
	rockboxDir       = app.Flag("rockbox-dir", "Path to the .rockbox directory of the player").Envar("SCROBBLEBOX_ROCKBOX_DIR").String()

	// account commands
	accountCmd         = app.Command("account", "Manage accounts")
	accountAddCmd      = accountCmd.Command("add", "Add or update an account")
	accountAddService  = accountAddCmd.Arg("service", "Service name (lastfm, librefm or a configured service)").Required().String()
	accountAddUsername = accountAddCmd.Arg("username", "Username").Required().String()
	accountPassword    = accountAddCmd.Flag("password", "Password (prompted when omitted)").String()
	accountSessionKey  = accountAddCmd.Flag("session-key", "Existing session key, used instead of a password").String()
	accountCheck       = accountAddCmd.Flag("check", "Authenticate once before saving").Bool()
	accountRemoveCmd   = accountCmd.Command("remove", "Remove an account").Alias("rm")
	accountRmService   = accountRemoveCmd.Arg("service", "Service name").Required().String()
	accountRmUsername  = accountRemoveCmd.Arg("username", "Username").Required().String()
	accountListCmd     = accountCmd.Command("list", "List accounts").Alias("ls")

	// service commands
	serviceCmd        = app.Command("service", "Manage services")
	serviceSetKeysCmd = serviceCmd.Command("set-keys", "Set the API key and secret of a service")
	serviceKeysName   = serviceSetKeysCmd.Arg("service", "Service name").Required().String()
	serviceKeysKey    = serviceSetKeysCmd.Arg("api-key", "API key").Required().String()
	serviceKeysSecret = serviceSetKeysCmd.Arg("api-secret", "API secret").Required().String()
	serviceURL        = serviceSetKeysCmd.Flag("base-url", "Endpoint of a self-hosted service").String()
	serviceListCmd    = serviceCmd.Command("list", "List services").Alias("ls")

	// inspect command
	inspectCmd = app.Command("inspect", "Show every play in the log with its verdict, without submitting")
	inspectAll = inspectCmd.Flag("all", "Also show rejected and unresolved plays").Short('a').Bool()

	// history command
	historyCmd   = app.Command("history", "Show what has been submitted per account")
	historyLimit = historyCmd.Flag("limit", "Number of recent submissions to show per account").Short('n').Default("0").Int()

	// convert command
	convertCmd = app.Command("convert", "Convert a text playback log into the binary format")
	convertIn  = convertCmd.Arg("input", "Text playback log").Required().ExistingFile()
	convertOut = convertCmd.Arg("output", "Binary playback log to write").Required().String()

	// filters command
	filtersCmd = app.Command("filters", "List available eligibility filters")
)

func main() {
	os.Exit(run())
}

// run executes the selected command and returns the exit code. Using a
// separate function ensures defer statements are executed before exiting.
func run() int {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	// Parse command
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	if command == filtersCmd.FullCommand() {
		printFilters()
		return exitOK
	}

	path, cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}

	closer, err := initLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize logger: %v\n", err)
		return exitError
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code := exitOK
	switch command {
	case scrobbleCmd.FullCommand():
		code, err = runScrobble(ctx, cfg)
	case accountAddCmd.FullCommand():
		err = addAccount(ctx, path, cfg)
	case accountRemoveCmd.FullCommand():
		err = removeAccount(path, cfg)
	case accountListCmd.FullCommand():
		listAccounts(cfg)
	case serviceSetKeysCmd.FullCommand():
		err = setServiceKeys(path, cfg)
	case serviceListCmd.FullCommand():
		listServices(cfg)
	case inspectCmd.FullCommand():
		err = inspect(cfg)
	case historyCmd.FullCommand():
		err = history(ctx, cfg)
	case convertCmd.FullCommand():
		err = convert(cfg)
	}
	if err != nil {
		zlog.Error().Msgf("%s failed: %v", command, err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}
	return code
}

func loadConfig() (string, *config.Config, error) {
	path := *configPath
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return "", nil, err
		}
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return "", nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return path, cfg, nil
}

// initLogger applies the command-line flags over the log section of the config.
func initLogger(cfg *config.Config) (io.Closer, error) {
	loggerConfig := logger.Config{
		Output: cfg.Log.Output,
		Level:  cfg.Log.Level,
		File:   cfg.Log.File,
	}
	if *verbose {
		loggerConfig.Level = "debug"
	}
	if *logfile != "" {
		loggerConfig.Output = "file"
		loggerConfig.File = *logfile
	}
	return logger.Init(loggerConfig)
}
