package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/danmuck/tonic-hello-tls/cmd/tonic-hello-tls/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Version kong.VersionFlag
		Serve   commands.ServeCmd  `cmd:"" default:"1" help:"Serve Greet over TLS (default)."`
		Greet   commands.GreetCmd  `cmd:"" help:"Call Greet on a running server."`
		Config  commands.ConfigCmd `cmd:"" help:"Manage the config file."`
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := kong.Parse(&cli,
		kong.Name("tonic-hello-tls"),
		kong.Description("Minimal TLS greet server."),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Version: version})
	stop()
	cmd.FatalIfErrorf(err)
}
