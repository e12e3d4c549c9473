package commands

import (
	"strings"

	"github.com/danmuck/tonic-hello-tls/internal/config"
	"github.com/danmuck/tonic-hello-tls/internal/hello"
)

type Globals struct {
	Version string
}

// loadConfig resolves the file layer: defaults when path is empty.
func loadConfig(path string) (hello.ServiceConfig, error) {
	if strings.TrimSpace(path) == "" {
		return hello.DefaultServiceConfig(), nil
	}
	return config.Load(path)
}
