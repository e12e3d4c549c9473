// Package rpc reads greet requests off a connection, routes them to the
// handler and writes the responses back in order.
//
// Connections are persistent: a client may send any number of requests and
// each is answered before the next is read. Envelope problems inside a
// well-formed frame are answered with an error response and the connection
// stays open.
//
// Frame problems are the one exception to keeping the connection usable. A
// bad header or a truncated frame (cut short by EOF or by the read timeout)
// is answered with a bad_frame response carrying message id 0, and the
// connection is then closed, since the stream position is lost and the next
// frame boundary cannot be found.
//
// A request that is already buffered when the connection stops accepting
// work is answered with an unavailable response instead of being dropped.
package rpc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/danmuck/tonic-hello-tls/internal/greeter"
	"github.com/danmuck/tonic-hello-tls/internal/observability"
	"github.com/danmuck/tonic-hello-tls/internal/protocol/session"
	"github.com/rs/zerolog"
)

// Greeter is the business handler behind the Greet method.
type Greeter interface {
	Greet(ctx context.Context, name string) (string, error)
}

// Activity receives exchange boundaries for one connection.
// Begin returns false when the connection is being closed and the pending
// request must not be started. End returns false when no further request
// should be read.
type Activity interface {
	Begin() bool
	End() bool
}

type method func(ctx context.Context, req session.Request) (string, error)

type Dispatcher struct {
	cfg     session.Config
	methods map[string]method
}

func NewDispatcher(g Greeter, cfg session.Config) *Dispatcher {
	greet := func(ctx context.Context, req session.Request) (string, error) {
		return g.Greet(ctx, req.Name)
	}
	return &Dispatcher{
		cfg: cfg.WithDefaults(),
		methods: map[string]method{
			session.MethodGreet:    greet,
			session.MethodSayHello: greet,
		},
	}
}

// Handle serves conn until the client closes it, a frame error occurs, the
// idle read timeout passes, or act stops it. The caller owns closing conn.
func (d *Dispatcher) Handle(ctx context.Context, conn net.Conn, act Activity) {
	if act == nil {
		act = alwaysActive{}
	}
	logger := zerolog.Ctx(ctx)
	reader := bufio.NewReader(conn)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(d.cfg.ReadTimeout))
		if _, err := reader.Peek(1); err != nil {
			logReadEnd(logger, err)
			return
		}
		if !act.Begin() {
			d.refuse(ctx, conn, reader)
			return
		}
		keep := d.exchange(ctx, conn, reader)
		if !act.End() || !keep {
			return
		}
	}
}

// exchange handles one request and reports whether the connection can be
// reused.
func (d *Dispatcher) exchange(ctx context.Context, conn net.Conn, reader *bufio.Reader) bool {
	logger := zerolog.Ctx(ctx)
	start := time.Now()
	_ = conn.SetReadDeadline(time.Now().Add(d.cfg.ReadTimeout))

	f, err := session.ReadFrame(reader, d.cfg.Limits())
	if err != nil {
		if !isBrokenFrame(err) {
			logReadEnd(logger, err)
			return false
		}
		// The header cannot be trusted, so the id is not echoed.
		resp := session.ErrorResponse(0, session.CodeBadFrame, frameErrorDetail(err))
		if werr := d.reply(conn, resp); werr != nil {
			logger.Debug().Err(werr).Msg("rpc: write bad_frame response")
		}
		d.record(logger, "unknown", resp, start, err)
		return false
	}

	var resp session.Response
	label := "unknown"
	req, err := session.DecodeRequestFrame(f)
	if err != nil {
		var de *session.DecodeError
		if !errors.As(err, &de) {
			de = &session.DecodeError{Code: session.CodeMalformedEnvelope, MessageID: f.Header.MessageID, Err: err}
		}
		resp = session.ErrorResponse(de.MessageID, de.Code, de.Err.Error())
	} else {
		if _, ok := d.methods[req.Method]; ok {
			label = req.Method
		}
		resp = d.dispatch(ctx, req)
	}

	if err := d.reply(conn, resp); err != nil {
		logger.Debug().Err(err).Uint64("message_id", resp.MessageID).Msg("rpc: write response")
		d.record(logger, label, resp, start, err)
		return false
	}
	d.record(logger, label, resp, start, nil)
	return true
}

// refuse answers a request that arrived after act stopped accepting work.
// Only a frame already buffered can be answered.
func (d *Dispatcher) refuse(ctx context.Context, conn net.Conn, reader *bufio.Reader) {
	logger := zerolog.Ctx(ctx)
	start := time.Now()
	f, err := session.ReadFrame(reader, d.cfg.Limits())
	if err != nil {
		logger.Debug().Err(err).Msg("rpc: request arrived during shutdown, unanswered")
		return
	}
	resp := session.ErrorResponse(f.Header.MessageID, session.CodeUnavailable, "server shutting down")
	werr := d.reply(conn, resp)
	if werr != nil {
		logger.Debug().Err(werr).Msg("rpc: write unavailable response")
	}
	d.record(logger, "unknown", resp, start, werr)
}

func (d *Dispatcher) dispatch(ctx context.Context, req session.Request) session.Response {
	m, ok := d.methods[req.Method]
	if !ok {
		return session.ErrorResponse(req.MessageID, session.CodeUnknownMethod, fmt.Sprintf("unknown method %q", req.Method))
	}
	greeting, err := m(ctx, req)
	if err != nil {
		var he *greeter.HandlerError
		if errors.As(err, &he) {
			return session.ErrorResponse(req.MessageID, handlerCode(he), he.Detail)
		}
		return session.ErrorResponse(req.MessageID, session.CodeInternal, err.Error())
	}
	return session.Response{MessageID: req.MessageID, Status: session.StatusOK, Greeting: greeting}
}

func (d *Dispatcher) reply(conn net.Conn, resp session.Response) error {
	raw, err := session.EncodeResponseFrame(resp, d.cfg.Limits())
	if err != nil {
		fallback := session.ErrorResponse(resp.MessageID, session.CodeInternal, "encode response: "+err.Error())
		if raw, err = session.EncodeResponseFrame(fallback, d.cfg.Limits()); err != nil {
			return err
		}
	}
	_ = conn.SetWriteDeadline(time.Now().Add(d.cfg.WriteTimeout))
	_, err = conn.Write(raw)
	return err
}

func (d *Dispatcher) record(logger *zerolog.Logger, label string, resp session.Response, start time.Time, err error) {
	elapsed := time.Since(start)
	observability.RecordRPC(label, string(resp.Status), elapsed)

	event := logger.Debug()
	if resp.Status != session.StatusOK || err != nil {
		event = logger.Warn()
	}
	event = event.
		Uint64("message_id", resp.MessageID).
		Str("method", label).
		Str("status", string(resp.Status)).
		Dur("duration", elapsed)
	if resp.Status == session.StatusError {
		event = event.Str("error_code", resp.ErrorCode.String()).Str("error_detail", resp.ErrorDetail)
	}
	if err != nil {
		event = event.Err(err)
	}
	event.Msg("rpc call")
}

func handlerCode(he *greeter.HandlerError) session.ErrorCode {
	switch he.Code {
	case greeter.CodeInvalidArgument:
		return session.CodeInvalidArgument
	default:
		return session.CodeInternal
	}
}

// isBrokenFrame reports whether err came from a frame that started but could
// not be read whole. Those get a bad_frame response before the close.
func isBrokenFrame(err error) bool {
	if session.IsFrameError(err) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func frameErrorDetail(err error) string {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return "incomplete frame: read timeout"
	}
	return err.Error()
}

func logReadEnd(logger *zerolog.Logger, err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return
	default:
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			logger.Debug().Msg("rpc: idle timeout")
			return
		}
		logger.Debug().Err(err).Msg("rpc: connection read ended")
	}
}

type alwaysActive struct{}

func (alwaysActive) Begin() bool { return true }
func (alwaysActive) End() bool   { return true }
