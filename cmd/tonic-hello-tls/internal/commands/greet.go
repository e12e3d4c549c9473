package commands

import (
	"context"
	"fmt"

	"github.com/danmuck/tonic-hello-tls/internal/client"
	"github.com/danmuck/tonic-hello-tls/internal/observability"
	"github.com/danmuck/tonic-hello-tls/internal/protocol/session"
)

type GreetCmd struct {
	Name       string `arg:"" optional:"" help:"Name to greet."`
	Addr       string `help:"Server address." default:"localhost:50051" env:"TONIC_ADDR"`
	CA         string `name:"ca" help:"CA bundle that signed the server certificate." default:"tls/ca.crt" type:"path"`
	ServerName string `name:"server-name" help:"Expected server name (defaults to the address host)."`
	Cert       string `help:"Client certificate for mutual TLS." type:"path"`
	Key        string `help:"Client key for mutual TLS." type:"path"`
	Method     string `help:"Method to call." default:"Greet" enum:"Greet,helloworld.Greeter/SayHello"`
	Attempts   uint   `help:"Connect attempts." default:"3"`
}

func (c *GreetCmd) Run(ctx context.Context, globals *Globals) error {
	logger := observability.InitLogger("tonic-hello-tls")

	cfg := client.DefaultConfig()
	cfg.Address = c.Addr
	cfg.MaxAttempts = c.Attempts
	cfg.TLS = session.ClientTLS{
		CAFile:     c.CA,
		CertFile:   c.Cert,
		KeyFile:    c.Key,
		ServerName: c.ServerName,
	}

	cl, err := client.Dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer cl.Close()

	state := cl.ConnectionState()
	logger.Debug().
		Str("addr", c.Addr).
		Uint16("tls_version", state.Version).
		Msg("connected")

	resp, err := cl.Call(ctx, session.Request{Method: c.Method, Name: c.Name})
	if err != nil {
		return err
	}
	fmt.Println(resp.Greeting)
	return nil
}
