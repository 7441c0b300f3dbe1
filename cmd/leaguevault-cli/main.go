package main

import (
	"context"

	"leaguevault/cmd/leaguevault-cli/commands"
	"leaguevault/lib/serviceutil"
	"leaguevault/lib/telemetry"
)

func main() {
	ctx := serviceutil.SignalContext()

	tel, err := telemetry.SetupFromEnv(ctx, "leaguevault-cli")
	if err != nil {
		serviceutil.Fatal("failed to setup telemetry", err)
	}
	defer tel.Shutdown(context.Background())

	commands.ExecuteContext(ctx)
}
