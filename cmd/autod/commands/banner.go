package commands

import (
	"github.com/pterm/pterm"

	"github.com/macrodyne/autod/config"
	"github.com/macrodyne/autod/version"
)

// printStartupBanner shows what this daemon instance is about to do.
func printStartupBanner(cfg *config.Config, verbosity int) {
	info := version.Get()

	pterm.DefaultHeader.
		WithFullWidth().
		Printfln("autod %s", info.Short())

	level := "info"
	if verbosity > 0 {
		level = "debug"
	}

	rows := pterm.TableData{
		{"Scripts", cfg.Watch.Dir + " (*" + cfg.Watch.Extension + ")"},
		{"Control plane", pterm.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)},
		{"Auth", onOff(cfg.Auth.Enabled)},
		{"Cluster", onOff(cfg.Cluster.Enabled)},
		{"Log level", level},
	}
	if cfg.Cluster.Enabled {
		rows = append(rows, []string{"Seed nodes", pterm.Sprintf("%d configured", len(cfg.Cluster.SeedNodes))})
	}
	_ = pterm.DefaultTable.WithData(rows).Render()
}

func onOff(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}
