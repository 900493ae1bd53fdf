package messages

import (
	"errors"

	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/rotisserie/eris"
)

// Type tags the message that follows in an envelope.
type Type uint8

const (
	TypeJoinRequest Type = iota + 1
	TypeJoinAccepted
	TypeJoinRejected
	TypeInputBatch
	TypeAssignOwnership
	TypePlayerConnected
	TypePlayerDisconnected
	TypeInputsLate
)

var ErrUnknownMessage = errors.New("unknown message type")

var handle = &codec.MsgpackHandle{WriteExt: true}

// Encode frames msg as a one byte type tag followed by its msgpack body.
func Encode(msg any) ([]byte, error) {
	var t Type
	switch msg.(type) {
	case JoinRequest, *JoinRequest:
		t = TypeJoinRequest
	case JoinAccepted, *JoinAccepted:
		t = TypeJoinAccepted
	case JoinRejected, *JoinRejected:
		t = TypeJoinRejected
	case InputBatch, *InputBatch:
		t = TypeInputBatch
	case AssignOwnership, *AssignOwnership:
		t = TypeAssignOwnership
	case PlayerConnected, *PlayerConnected:
		t = TypePlayerConnected
	case PlayerDisconnected, *PlayerDisconnected:
		t = TypePlayerDisconnected
	case InputsLate, *InputsLate:
		t = TypeInputsLate
	default:
		return nil, eris.Wrapf(ErrUnknownMessage, "encode %T", msg)
	}

	// The encoder truncates the slice it writes to, so the tag is
	// prepended afterwards.
	var body []byte
	if err := codec.NewEncoderBytes(&body, handle).Encode(msg); err != nil {
		return nil, eris.Wrapf(err, "encode %T", msg)
	}
	return append([]byte{byte(t)}, body...), nil
}

// Decode parses an envelope produced by Encode and returns the message by
// value.
func Decode(b []byte) (any, error) {
	if len(b) == 0 {
		return nil, eris.Wrap(ErrUnknownMessage, "empty message")
	}
	body := b[1:]
	switch Type(b[0]) {
	case TypeJoinRequest:
		return decodeAs[JoinRequest](body)
	case TypeJoinAccepted:
		return decodeAs[JoinAccepted](body)
	case TypeJoinRejected:
		return decodeAs[JoinRejected](body)
	case TypeInputBatch:
		return decodeAs[InputBatch](body)
	case TypeAssignOwnership:
		return decodeAs[AssignOwnership](body)
	case TypePlayerConnected:
		return decodeAs[PlayerConnected](body)
	case TypePlayerDisconnected:
		return decodeAs[PlayerDisconnected](body)
	case TypeInputsLate:
		return decodeAs[InputsLate](body)
	default:
		return nil, eris.Wrapf(ErrUnknownMessage, "type %d", b[0])
	}
}

func decodeAs[T any](body []byte) (any, error) {
	var v T
	if err := codec.NewDecoderBytes(body, handle).Decode(&v); err != nil {
		return nil, eris.Wrapf(err, "decode %T", v)
	}
	return v, nil
}
