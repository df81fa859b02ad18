package wire

import (
	"encoding/binary"
	"fmt"
)

// Serialization is the external collaborator that turns one application
// object into bytes and back. The core never inspects application object
// shapes beyond this interface; only the five framework messages in
// message.go have fixed identity at the framing layer.
type Serialization interface {
	Serialize(obj any) ([]byte, error)
	Deserialize(data []byte) (any, error)
}

// Type tags for the fixed-identity framework messages. Values below
// appTypeTag are reserved for this package; an application Serialization
// never sees or assigns them.
const (
	tagRegisterTCP   byte = 0x01
	tagRegisterUDP   byte = 0x02
	tagKeepAlive     byte = 0x03
	tagPing          byte = 0x04
	tagDiscoverHost  byte = 0x05
	appTypeTag       byte = 0x80
)

// Codec is the concrete Serialization implementation the framer and
// UdpChannel use: it recognizes the five framework messages by a one-byte
// tag and delegates anything else to an application-supplied Serialization.
type Codec struct {
	App Serialization
}

// NewCodec wraps an application-level Serialization with framework message
// handling. app may be nil if the server never needs to carry application
// objects (e.g. a pure keep-alive/registration test harness).
func NewCodec(app Serialization) *Codec {
	return &Codec{App: app}
}

func (c *Codec) Serialize(obj any) ([]byte, error) {
	switch v := obj.(type) {
	case *RegisterTCP:
		return append([]byte{tagRegisterTCP}, encodeInt32(v.ConnectionID)...), nil
	case *RegisterUDP:
		return append([]byte{tagRegisterUDP}, encodeInt32(v.ConnectionID)...), nil
	case *KeepAlive:
		return []byte{tagKeepAlive}, nil
	case *Ping:
		b := append([]byte{tagPing}, encodeInt32(v.ID)...)
		if v.IsReply {
			b = append(b, 1)
		} else {
			b = append(b, 0)
		}
		return b, nil
	case *DiscoverHost:
		return []byte{tagDiscoverHost}, nil
	default:
		if c.App == nil {
			return nil, fmt.Errorf("wire: no application serializer configured for %T", obj)
		}
		payload, err := c.App.Serialize(obj)
		if err != nil {
			return nil, err
		}
		return append([]byte{appTypeTag}, payload...), nil
	}
}

func (c *Codec) Deserialize(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("wire: empty frame")
	}
	tag, rest := data[0], data[1:]
	switch tag {
	case tagRegisterTCP:
		id, err := decodeInt32(rest)
		if err != nil {
			return nil, err
		}
		return &RegisterTCP{ConnectionID: id}, nil
	case tagRegisterUDP:
		id, err := decodeInt32(rest)
		if err != nil {
			return nil, err
		}
		return &RegisterUDP{ConnectionID: id}, nil
	case tagKeepAlive:
		return &KeepAlive{}, nil
	case tagPing:
		if len(rest) != 5 {
			return nil, fmt.Errorf("wire: malformed Ping frame")
		}
		id, err := decodeInt32(rest[:4])
		if err != nil {
			return nil, err
		}
		return &Ping{ID: id, IsReply: rest[4] != 0}, nil
	case tagDiscoverHost:
		return &DiscoverHost{}, nil
	case appTypeTag:
		if c.App == nil {
			return nil, fmt.Errorf("wire: no application serializer configured to decode frame")
		}
		return c.App.Deserialize(rest)
	default:
		return nil, fmt.Errorf("wire: unknown type tag 0x%02x", tag)
	}
}

func encodeInt32(v int32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(v))
	return b
}

func decodeInt32(b []byte) (int32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("wire: malformed int32 field")
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

// TextCodec is a minimal reference Serialization for strings, useful for
// tests and examples. Production deployments supply their own application
// Serialization.
type TextCodec struct{}

func (TextCodec) Serialize(obj any) ([]byte, error) {
	s, ok := obj.(string)
	if !ok {
		return nil, fmt.Errorf("wire: TextCodec only handles string, got %T", obj)
	}
	return []byte(s), nil
}

func (TextCodec) Deserialize(data []byte) (any, error) {
	return string(data), nil
}
