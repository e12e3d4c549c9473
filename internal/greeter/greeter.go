// Package greeter implements the Greet method.
package greeter

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// MaxNameBytes bounds the accepted name length.
	MaxNameBytes = 1024

	genericName = "stranger"
)

// Greeting returns "Hello, {name}!" with name passed through unchanged. An
// empty or whitespace-only name gets a generic greeting.
func Greeting(name string) string {
	if strings.TrimSpace(name) == "" {
		name = genericName
	}
	return "Hello, " + name + "!"
}

// HandlerError is a request the handler refused. It never tears down the
// connection.
type HandlerError struct {
	Code   string
	Detail string
}

const CodeInvalidArgument = "invalid_argument"

func (e *HandlerError) Error() string {
	return fmt.Sprintf("greeter: %s: %s", e.Code, e.Detail)
}

// Service validates input and produces greetings.
type Service struct{}

func NewService() *Service {
	return &Service{}
}

func (s *Service) Greet(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(name) > MaxNameBytes {
		return "", &HandlerError{
			Code:   CodeInvalidArgument,
			Detail: fmt.Sprintf("name exceeds %d bytes", MaxNameBytes),
		}
	}
	if !utf8.ValidString(name) {
		return "", &HandlerError{Code: CodeInvalidArgument, Detail: "name is not valid UTF-8"}
	}
	return Greeting(name), nil
}
