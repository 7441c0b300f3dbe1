package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"leaguevault/lib/serviceutil"
	"leaguevault/lib/sqliteutil"
	"leaguevault/services/archive"
	archivedb "leaguevault/services/archive/db"

	"github.com/spf13/cobra"
)

var cleanDb *string
var cleanLeague *string

func init() {
	cleanDb = cleanCmd.Flags().String("db", "", "database path, overrides the config")
	cleanLeague = cleanCmd.Flags().String("league", "", "only reset checkpoints for this league id")
	rootCmd.AddCommand(cleanCmd)
}

var cleanCmd = &cobra.Command{
	Use:   "clean [--league <id>]",
	Short: "Resets extraction checkpoints so the next run re-extracts from scratch.",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := readConfig()
		ctx := cmd.Context()

		if *cleanDb != "" {
			cfg.Database = *cleanDb
		}

		backup, err := backupDatabase(cfg.Database)
		if err != nil {
			serviceutil.Fatal("failed to back up database", err)
		}
		if backup != "" {
			slog.Info("database backed up", "path", backup)
		}

		database, err := sqliteutil.OpenDB(archivedb.Schema, cfg.Database)
		if err != nil {
			serviceutil.Fatal("failed to open database", err)
		}
		defer database.Close()

		err = archive.NewCheckpoints(database).Clear(ctx, *cleanLeague)
		if err != nil {
			serviceutil.Fatal("failed to clear checkpoints", err)
		}

		slog.Info("checkpoints cleared", "league", *cleanLeague)
	},
}

func backupDatabase(path string) (string, error) {
	src, err := os.Open(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer src.Close()

	backupPath := fmt.Sprintf("%s.backup_%s", path, time.Now().Format("20060102_150405"))
	dst, err := os.Create(backupPath)
	if err != nil {
		return "", err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	if err != nil {
		return "", err
	}
	return backupPath, nil
}
