package txn

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// EnvelopeVersion is the current wire/archive envelope version (spec §6:
// "a one-byte envelope version precedes the body"). Backward compatibility
// is maintained across version increments; the applier understands every
// version >= the snapshot's min version.
const EnvelopeVersion byte = 1

// Encode frames an Event as a length-prefixed, versioned byte record: one
// version byte, a 4-byte big-endian body length, then the JSON body. This
// is the canonical serialization used both on the wire and in the archive
// (spec §6).
func Encode(e *Event) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("txn: encode event: %w", err)
	}
	out := make([]byte, 1+4+len(body))
	out[0] = EnvelopeVersion
	binary.BigEndian.PutUint32(out[1:5], uint32(len(body)))
	copy(out[5:], body)
	return out, nil
}

// Decode reverses Encode, rejecting envelope versions newer than this
// binary understands.
func Decode(record []byte) (*Event, error) {
	if len(record) < 5 {
		return nil, fmt.Errorf("txn: record too short (%d bytes)", len(record))
	}
	version := record[0]
	if version > EnvelopeVersion {
		return nil, fmt.Errorf("txn: unsupported envelope version %d", version)
	}
	bodyLen := binary.BigEndian.Uint32(record[1:5])
	if int(bodyLen) != len(record)-5 {
		return nil, fmt.Errorf("txn: body length mismatch: header says %d, have %d", bodyLen, len(record)-5)
	}
	var e Event
	if err := json.Unmarshal(record[5:], &e); err != nil {
		return nil, fmt.Errorf("txn: decode event: %w", err)
	}
	return &e, nil
}
