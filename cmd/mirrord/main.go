// Command mirrord mirrors software distribution artifacts from upstream
// origins and serves them over HTTP.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	ConfigFile string `name:"config" short:"c" help:"Config file (TOML, YAML or JSON)." env:"MIRROR_CONFIG" type:"path"`
	Server     string `help:"Admin base URL of a running mirrord. Job commands use it instead of opening the job store." env:"MIRROR_SERVER_URL"`
}

// CLI is the command tree.
type CLI struct {
	Globals

	Version kong.VersionFlag `help:"Print version and exit."`

	Serve     ServeCmd  `cmd:"" help:"Serve artifacts and run sync workers, the cache reaper and the monitor."`
	Sync      SyncCmd   `cmd:"" help:"Enqueue a sync job for a mirror."`
	ConfigCmd ConfigCmd `cmd:"" name:"config" help:"Configuration commands."`
	Cache     CacheCmd  `cmd:"" help:"Inspect and maintain the cache."`
	Jobs      JobsCmd   `cmd:"" help:"Inspect sync jobs."`
}

func main() {
	if err := loadEnvFile(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("mirrord"),
		kong.Description("Artifact mirror: sync, validate and serve distribution archives."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)
	if err := ctx.Run(&cli.Globals); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadEnvFile loads MIRROR_ENV_FILE, or .env when unset. A missing file is
// not an error. Variables already set in the environment win.
func loadEnvFile() error {
	path := os.Getenv("MIRROR_ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}
