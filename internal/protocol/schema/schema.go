package schema

import (
	"fmt"

	"github.com/danmuck/tonic-hello-tls/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs.
const (
	MsgGreetRequest  uint32 = 1
	MsgGreetResponse uint32 = 2
)

// Field IDs.
const (
	FieldMethod uint16 = 1
	FieldName   uint16 = 2

	FieldStatus      uint16 = 10
	FieldGreeting    uint16 = 11
	FieldErrorCode   uint16 = 12
	FieldErrorDetail uint16 = 13
)

type Requirement struct {
	ID       uint16
	Type     uint8
	Optional bool
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgGreetRequest: {
		{ID: FieldMethod, Type: tlv.TypeString},
		{ID: FieldName, Type: tlv.TypeString, Optional: true},
	},
	MsgGreetResponse: {
		{ID: FieldStatus, Type: tlv.TypeString},
		{ID: FieldGreeting, Type: tlv.TypeString, Optional: true},
		{ID: FieldErrorCode, Type: tlv.TypeU32, Optional: true},
		{ID: FieldErrorDetail, Type: tlv.TypeString, Optional: true},
	},
}

// Validate enforces required fields and field types for a message type.
// Optional fields are type-checked only when present. Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Debug().Uint32("message_type", messageType).Msg("schema: unknown message type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			if req.Optional {
				continue
			}
			log.Debug().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Msg("schema: missing required field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema: type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
