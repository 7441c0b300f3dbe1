package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"leaguevault/lib/configutil"
	"leaguevault/lib/retry"
	"leaguevault/lib/scrapers/musicleague"
	"leaguevault/lib/serviceutil"
	"leaguevault/lib/telemetry"
	"leaguevault/services/archive"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "leaguevault-cli",
	Short: "leaguevault-cli archives music league history into a local database.",
}

var verbose *bool

func init() {
	verbose = rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")
	cobra.OnInitialize(func() {
		telemetry.InitSlog(*verbose)
	})
}

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type Config struct {
	BaseUrl  string `json:"base_url"`
	Username string `json:"username"`
	Password string `json:"password"`

	SessionFile string `json:"session_file"`
	Database    string `json:"database"`

	LeagueFilter string `json:"league_filter"`
	Strict       bool   `json:"strict"`

	MaxRetries        int `json:"max_retries"`
	BackoffBaseMs     int `json:"backoff_base_ms"`
	BackoffCapMs      int `json:"backoff_cap_ms"`
	MaxLoadCycles     int `json:"max_load_cycles"`
	SettleWaitMs      int `json:"settle_wait_ms"`
	RequestDelayMinMs int `json:"request_delay_min_ms"`
	RequestDelayMaxMs int `json:"request_delay_max_ms"`
}

func readConfig() Config {
	cfg, err := configutil.ReadConfig[Config]("config.json5")
	if err != nil && !os.IsNotExist(err) {
		serviceutil.Fatal("failed to read config", err)
	}

	if cfg.BaseUrl == "" {
		cfg.BaseUrl = "https://app.musicleague.com"
	}
	if cfg.SessionFile == "" {
		cfg.SessionFile = "session_state.json"
	}
	if cfg.Database == "" {
		cfg.Database = "music_league.db"
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBaseMs == 0 {
		cfg.BackoffBaseMs = 5000
	}
	if cfg.BackoffCapMs == 0 {
		cfg.BackoffCapMs = 60000
	}
	if cfg.MaxLoadCycles == 0 {
		cfg.MaxLoadCycles = 50
	}
	if cfg.SettleWaitMs == 0 {
		cfg.SettleWaitMs = 2000
	}
	if cfg.RequestDelayMinMs == 0 {
		cfg.RequestDelayMinMs = 1000
	}
	if cfg.RequestDelayMaxMs == 0 {
		cfg.RequestDelayMaxMs = 3000
	}

	return cfg
}

func (c Config) pipelineOptions() archive.Options {
	return archive.Options{
		MaxCycles:       c.MaxLoadCycles,
		SettleWait:      time.Duration(c.SettleWaitMs) * time.Millisecond,
		MinRequestDelay: time.Duration(c.RequestDelayMinMs) * time.Millisecond,
		MaxRequestDelay: time.Duration(c.RequestDelayMaxMs) * time.Millisecond,
		Retry: retry.Controller{
			MaxAttempts: c.MaxRetries,
			BackoffBase: time.Duration(c.BackoffBaseMs) * time.Millisecond,
			BackoffCap:  time.Duration(c.BackoffCapMs) * time.Millisecond,
		},
		Strict:     c.Strict,
		NameFilter: c.LeagueFilter,
	}
}

func newClient(ctx context.Context, cfg Config) *musicleague.Client {
	client, err := musicleague.NewClient(ctx, musicleague.ClientOptions{
		BaseUrl: cfg.BaseUrl,
	})
	if err != nil {
		serviceutil.Fatal("failed to initialize client", err)
	}
	return client
}
