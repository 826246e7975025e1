package update

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the binary encoding. They are part of the shared-store
// format and must not be renumbered.
const (
	fieldID          protowire.Number = 1
	fieldTopic       protowire.Number = 2
	fieldTarget      protowire.Number = 3
	fieldPublic      protowire.Number = 4
	fieldType        protowire.Number = 5
	fieldRetry       protowire.Number = 6
	fieldData        protowire.Number = 7
	fieldPublisherID protowire.Number = 8
)

// ErrMalformedUpdate is returned when an encoded update cannot be decoded
var ErrMalformedUpdate = errors.New("malformed encoded update")

// Marshal encodes the full update in protobuf wire format.
// Unlike WriteEvent, the encoding keeps topics, targets and publisher id so
// another hub instance can rebuild the exact same Update.
func (u *Update) Marshal() ([]byte, error) {
	b := make([]byte, 0, 64+len(u.data))

	b = protowire.AppendTag(b, fieldID, protowire.BytesType)
	b = protowire.AppendString(b, u.id)

	for _, topic := range u.topics {
		b = protowire.AppendTag(b, fieldTopic, protowire.BytesType)
		b = protowire.AppendString(b, topic)
	}

	if u.targets == nil {
		b = protowire.AppendTag(b, fieldPublic, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	for _, target := range u.targets {
		b = protowire.AppendTag(b, fieldTarget, protowire.BytesType)
		b = protowire.AppendString(b, target)
	}

	b = protowire.AppendTag(b, fieldType, protowire.BytesType)
	b = protowire.AppendString(b, u.eventType)

	if u.retry != 0 {
		b = protowire.AppendTag(b, fieldRetry, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(u.retry))
	}

	b = protowire.AppendTag(b, fieldData, protowire.BytesType)
	b = protowire.AppendBytes(b, u.data)

	if u.publisherID != "" {
		b = protowire.AppendTag(b, fieldPublisherID, protowire.BytesType)
		b = protowire.AppendString(b, u.publisherID)
	}

	return b, nil
}

// Unmarshal decodes an update produced by Marshal.
func Unmarshal(b []byte) (*Update, error) {
	u := &Update{
		data: []byte{},
	}
	public := false
	targets := []string{}

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldPublic && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, protowire.ParseError(m))
			}
			public = protowire.DecodeBool(v)
			n = m
		case num == fieldRetry && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, protowire.ParseError(m))
			}
			u.retry = int(v)
			n = m
		case typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, protowire.ParseError(m))
			}
			n = m
			switch num {
			case fieldID:
				u.id = string(v)
			case fieldTopic:
				u.topics = append(u.topics, string(v))
			case fieldTarget:
				targets = append(targets, string(v))
			case fieldType:
				u.eventType = string(v)
			case fieldData:
				u.data = append([]byte{}, v...)
			case fieldPublisherID:
				u.publisherID = string(v)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, protowire.ParseError(n))
			}
		}
		b = b[n:]
	}

	if u.id == "" || len(u.topics) == 0 {
		return nil, fmt.Errorf("%w: missing id or topics", ErrMalformedUpdate)
	}
	if !public {
		u.targets = targets
	}

	return u, nil
}
