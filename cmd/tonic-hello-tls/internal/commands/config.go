package commands

import (
	"fmt"

	"github.com/danmuck/tonic-hello-tls/internal/config"
	"github.com/danmuck/tonic-hello-tls/internal/hello"
	"github.com/rs/zerolog/log"
)

type ConfigCmd struct {
	Init  ConfigInitCmd  `cmd:"" help:"Write a default config file."`
	Check ConfigCheckCmd `cmd:"" help:"Validate a config file."`
	Show  ConfigShowCmd  `cmd:"" help:"Print the default config."`
}

type ConfigInitCmd struct {
	Output string `arg:"" optional:"" default:"config.toml" help:"Output path." type:"path"`
	Force  bool   `help:"Overwrite an existing file."`
}

func (c *ConfigInitCmd) Run() error {
	if err := config.WriteTemplate(c.Output, c.Force); err != nil {
		return err
	}
	log.Info().Str("path", c.Output).Msg("wrote config template")
	return nil
}

type ConfigCheckCmd struct {
	Path string `arg:"" default:"config.toml" help:"Config file to validate." type:"existingfile"`
}

func (c *ConfigCheckCmd) Run() error {
	cfg, err := config.Load(c.Path)
	if err != nil {
		return err
	}
	log.Info().
		Str("path", c.Path).
		Str("listen", cfg.ListenAddr).
		Bool("mtls", cfg.ServerTLS().Mutual()).
		Msg("config valid")
	return nil
}

type ConfigShowCmd struct{}

func (c *ConfigShowCmd) Run() error {
	data, err := config.Render(hello.DefaultServiceConfig())
	if err != nil {
		return err
	}
	fmt.Print(string(data))
	return nil
}
