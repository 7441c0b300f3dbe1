package commands

import (
	"log/slog"
	"time"

	"leaguevault/lib/scrapers/musicleague"
	"leaguevault/lib/serviceutil"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(loginCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Runs the SSO login flow and saves the session for later runs.",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := readConfig()
		ctx := cmd.Context()

		client := newClient(ctx, cfg)
		store := musicleague.SessionStore{Path: cfg.SessionFile}

		err := client.Login(ctx, cfg.Username, cfg.Password)
		if err != nil {
			serviceutil.Fatal("login failed", err)
		}

		session := client.ExportSession()
		session.ValidatedAt = time.Now()
		err = store.Save(session)
		if err != nil {
			serviceutil.Fatal("failed to save session", err)
		}

		slog.Info("session saved", "file", cfg.SessionFile, "cookies", len(session.Cookies))
	},
}
