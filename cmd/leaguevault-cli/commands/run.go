package commands

import (
	"fmt"
	"log/slog"
	"os"

	"leaguevault/lib/scrapers/musicleague"
	"leaguevault/lib/serviceutil"
	"leaguevault/lib/sqliteutil"
	"leaguevault/lib/telemetry"
	"leaguevault/services/archive"
	archivedb "leaguevault/services/archive/db"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var runDb *string
var runFilter *string
var runStrict *bool

func init() {
	runDb = runCmd.Flags().String("db", "", "database path, overrides the config")
	runFilter = runCmd.Flags().String("filter", "", "only process leagues whose title contains this substring")
	runStrict = runCmd.Flags().Bool("strict", false, "leave a league incomplete while any of its rounds failed")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Extracts everything not yet archived, resuming from checkpoints.",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := readConfig()
		ctx := cmd.Context()

		if *runDb != "" {
			cfg.Database = *runDb
		}
		if *runFilter != "" {
			cfg.LeagueFilter = *runFilter
		}
		if *runStrict {
			cfg.Strict = true
		}

		database, err := sqliteutil.OpenDB(archivedb.Schema, cfg.Database)
		if err != nil {
			serviceutil.Fatal("failed to open database", err)
		}
		defer database.Close()

		client := newClient(ctx, cfg)
		store := musicleague.SessionStore{Path: cfg.SessionFile}
		err = musicleague.EnsureSession(ctx, client, store, musicleague.Credentials{
			Username: cfg.Username,
			Password: cfg.Password,
		})
		if err != nil {
			serviceutil.Fatal("could not establish an authenticated session", err)
		}

		telemetry.InstrumentPerfStats(ctx)

		pipeline := archive.NewPipeline(client, database, cfg.pipelineOptions())
		summary, err := pipeline.Run(ctx)
		if err != nil {
			serviceutil.Fatal("extraction aborted", err)
		}

		renderSummary(summary)

		if !summary.Clean() {
			slog.Warn("run completed with failed units",
				"failed_leagues", summary.FailedLeagues,
				"failed_rounds", summary.FailedRounds,
			)
			os.Exit(2)
		}
	},
}

func renderSummary(summary archive.Summary) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"", "Count"})
	t.AppendRow(table.Row{"Leagues", summary.Leagues})
	t.AppendRow(table.Row{"Rounds", summary.Rounds})
	t.AppendRow(table.Row{"Songs", summary.Songs})
	t.AppendRow(table.Row{"Votes", summary.Votes})
	t.AppendRow(table.Row{"Failed leagues", summary.FailedLeagues})
	t.AppendRow(table.Row{"Failed rounds", summary.FailedRounds})
	t.AppendRow(table.Row{"Skipped leagues", summary.SkippedLeagues})
	if summary.RejectedVotes > 0 {
		t.AppendRow(table.Row{"Rejected votes", summary.RejectedVotes})
	}
	t.SetStyle(table.StyleRounded)
	t.Render()
	fmt.Println()
}
