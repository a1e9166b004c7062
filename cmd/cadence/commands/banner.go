package commands

import (
	"fmt"

	"github.com/pterm/pterm"

	"github.com/teranos/cadence/am"
	"github.com/teranos/cadence/internal/version"
)

// printStartupBanner prints the user-friendly startup message
func printStartupBanner(dbPath string, port int, cfg *am.Config, api bool) {
	info := version.Get()

	pterm.DefaultHeader.WithFullWidth().Printf("cadence %s", info.Version)
	pterm.Println()

	rows := [][]string{
		{"Commit", info.Short()},
		{"Built", info.BuildTime},
		{"Database", dbPath},
		{"Workers", fmt.Sprintf("%d", cfg.Engine.Workers)},
	}
	if interval := cfg.Engine.ReconcileInterval(); interval > 0 {
		rows = append(rows, []string{"Reconcile", "every " + interval.String()})
	} else {
		rows = append(rows, []string{"Reconcile", "startup only"})
	}
	if api {
		rows = append(rows, []string{"API", fmt.Sprintf("http://localhost:%d", port)})
	} else {
		rows = append(rows, []string{"API", "disabled"})
	}
	if cfg.Notify.RedisAddr != "" {
		rows = append(rows, []string{"Relay", cfg.Notify.RedisAddr + " #" + cfg.Notify.RedisChannel})
	}
	pterm.DefaultTable.WithData(rows).Render()

	pterm.Println()
	pterm.Info.Println("Press Ctrl+C to stop")
}
