package session

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/danmuck/tonic-hello-tls/internal/protocol/frame"
	"github.com/danmuck/tonic-hello-tls/internal/protocol/schema"
	"github.com/danmuck/tonic-hello-tls/internal/protocol/tlv"
)

const (
	MethodGreet    = "Greet"
	MethodSayHello = "helloworld.Greeter/SayHello"
)

type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Request is the greet request envelope.
type Request struct {
	MessageID uint64
	Method    string
	Name      string
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.Method) == "" {
		return fmt.Errorf("request missing method")
	}
	return nil
}

// Response is the greet response envelope.
type Response struct {
	MessageID   uint64
	Status      Status
	Greeting    string
	ErrorCode   ErrorCode
	ErrorDetail string
}

func (r Response) Validate() error {
	switch r.Status {
	case StatusOK:
		if r.ErrorCode != 0 {
			return fmt.Errorf("ok response carries error_code %d", r.ErrorCode)
		}
	case StatusError:
		if r.ErrorCode == 0 {
			return fmt.Errorf("error response missing error_code")
		}
	default:
		return fmt.Errorf("response has invalid status %q", r.Status)
	}
	return nil
}

// ErrorResponse builds an error-status response for the given request id.
func ErrorResponse(messageID uint64, code ErrorCode, detail string) Response {
	return Response{
		MessageID:   messageID,
		Status:      StatusError,
		ErrorCode:   code,
		ErrorDetail: detail,
	}
}

func EncodeRequestFrame(req Request, limits frame.Limits) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldMethod, req.Method),
		tlv.String(schema.FieldName, req.Name),
	}
	return encodeFrame(req.MessageID, schema.MsgGreetRequest, 0, fields, limits)
}

func DecodeRequestFrame(f frame.Frame) (Request, error) {
	id := f.Header.MessageID
	if f.Header.MessageType != schema.MsgGreetRequest {
		return Request{}, &DecodeError{
			Code:      CodeMalformedEnvelope,
			MessageID: id,
			Err:       fmt.Errorf("unexpected message_type=%d", f.Header.MessageType),
		}
	}
	fields, err := decodeFields(f)
	if err != nil {
		return Request{}, err
	}
	method, _, _ := tlv.GetString(fields, schema.FieldMethod)
	name, _, _ := tlv.GetString(fields, schema.FieldName)
	return Request{MessageID: id, Method: method, Name: name}, nil
}

func EncodeResponseFrame(resp Response, limits frame.Limits) ([]byte, error) {
	if err := resp.Validate(); err != nil {
		return nil, err
	}
	flags := frame.FlagIsResponse
	fields := []tlv.Field{tlv.String(schema.FieldStatus, string(resp.Status))}
	if resp.Status == StatusOK {
		fields = append(fields, tlv.String(schema.FieldGreeting, resp.Greeting))
	} else {
		flags |= frame.FlagIsError
		fields = append(fields,
			tlv.U32(schema.FieldErrorCode, uint32(resp.ErrorCode)),
			tlv.String(schema.FieldErrorDetail, resp.ErrorDetail),
		)
	}
	return encodeFrame(resp.MessageID, schema.MsgGreetResponse, flags, fields, limits)
}

func DecodeResponseFrame(f frame.Frame) (Response, error) {
	id := f.Header.MessageID
	if f.Header.MessageType != schema.MsgGreetResponse {
		return Response{}, &DecodeError{
			Code:      CodeMalformedEnvelope,
			MessageID: id,
			Err:       fmt.Errorf("unexpected message_type=%d", f.Header.MessageType),
		}
	}
	fields, err := decodeFields(f)
	if err != nil {
		return Response{}, err
	}
	status, _, _ := tlv.GetString(fields, schema.FieldStatus)
	greeting, _, _ := tlv.GetString(fields, schema.FieldGreeting)
	code, _, err := tlv.GetU32(fields, schema.FieldErrorCode)
	if err != nil {
		return Response{}, &DecodeError{Code: CodeMalformedEnvelope, MessageID: id, Err: err}
	}
	detail, _, _ := tlv.GetString(fields, schema.FieldErrorDetail)
	resp := Response{
		MessageID:   id,
		Status:      Status(status),
		Greeting:    greeting,
		ErrorCode:   ErrorCode(code),
		ErrorDetail: detail,
	}
	if err := resp.Validate(); err != nil {
		return Response{}, &DecodeError{Code: CodeMalformedEnvelope, MessageID: id, Err: err}
	}
	return resp, nil
}

func ReadFrame(r io.Reader, limits frame.Limits) (frame.Frame, error) {
	return frame.ReadFrame(r, limits)
}

func decodeFields(f frame.Frame) ([]tlv.Field, error) {
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return nil, &DecodeError{Code: CodeMalformedEnvelope, MessageID: f.Header.MessageID, Err: err}
	}
	if err := schema.Validate(f.Header.MessageType, fields); err != nil {
		return nil, &DecodeError{Code: CodeMalformedEnvelope, MessageID: f.Header.MessageID, Err: err}
	}
	return fields, nil
}

func encodeFrame(messageID uint64, messageType uint32, flags uint32, fields []tlv.Field, limits frame.Limits) ([]byte, error) {
	if err := schema.Validate(messageType, fields); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	err := frame.WriteFrame(&buf, frame.Frame{
		Header: frame.Header{
			MessageID:   messageID,
			MessageType: messageType,
			Flags:       flags,
		},
		Payload: tlv.EncodeFields(fields),
	}, limits)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
