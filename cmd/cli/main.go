package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/wolfeidau/ssoportal/cmd/cli/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Mark    commands.MarkCmd  `cmd:"" help:"Mark a user (or everyone) logged out"`
		Clear   commands.ClearCmd `cmd:"" help:"Remove a logout marker"`
		Check   commands.CheckCmd `cmd:"" help:"Show whether a user is logged out by a marker"`
		Debug   bool              `help:"Enable debug mode."`
		Version kong.VersionFlag
	}
)

func main() {
	_ = godotenv.Load()

	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("portalctl"),
		kong.Description("Inspect and manage portal logout markers."),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
