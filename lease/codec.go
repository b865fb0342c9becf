package lease

import (
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the encoded holder. The encoding is a protobuf message,
// so fields unknown to this version are skipped on decode.
const (
	fieldID        protowire.Number = 1
	fieldSequence  protowire.Number = 2
	fieldExpiresAt protowire.Number = 3
)

// Marshal encodes the holder as the payload of the lease record.
func (h Holder) Marshal() []byte {
	buf := make([]byte, 0, len(h.ID)+24)

	buf = protowire.AppendTag(buf, fieldID, protowire.BytesType)
	buf = protowire.AppendBytes(buf, h.ID)

	buf = protowire.AppendTag(buf, fieldSequence, protowire.VarintType)
	buf = protowire.AppendVarint(buf, h.Sequence)

	buf = protowire.AppendTag(buf, fieldExpiresAt, protowire.VarintType)
	buf = protowire.AppendVarint(buf, protowire.EncodeZigZag(h.ExpiresAt.UnixNano()))

	return buf
}

// Unmarshal decodes a holder produced by Marshal.
func Unmarshal(data []byte) (Holder, error) {
	var (
		h          Holder
		hasID      bool
		hasExpires bool
	)

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Holder{}, decodeError(protowire.ParseError(n))
		}

		data = data[n:]

		switch {
		case num == fieldID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Holder{}, decodeError(protowire.ParseError(n))
			}

			h.ID = append([]byte(nil), v...)
			hasID = true
			data = data[n:]

		case num == fieldSequence && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Holder{}, decodeError(protowire.ParseError(n))
			}

			h.Sequence = v
			data = data[n:]

		case num == fieldExpiresAt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Holder{}, decodeError(protowire.ParseError(n))
			}

			h.ExpiresAt = time.Unix(0, protowire.DecodeZigZag(v)).UTC()
			hasExpires = true
			data = data[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Holder{}, decodeError(protowire.ParseError(n))
			}

			data = data[n:]
		}
	}

	if !hasID || len(h.ID) == 0 {
		return Holder{}, ErrCorruptLease.Describef("missing holder id")
	}

	if !hasExpires {
		return Holder{}, ErrCorruptLease.Describef("missing expiration")
	}

	return h, nil
}

func decodeError(err error) error {
	return ErrCorruptLease.Describef("%v", err)
}
