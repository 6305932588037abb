package types

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// Wire format of a consensus message, bit-exact for interop:
//
//	epoch     uvarint
//	view      uvarint
//	block     uvarint
//	sender    uvarint length || bytes
//	timestamp uvarint, microseconds since the unix epoch
//	payload   uvarint tag || tag-specific body
//	signature uvarint length || bytes
//
// A zero payload tag is a parse error. Nested messages (inside view changes
// and new views) are encoded as length-prefixed envelopes recursively.

var (
	ErrEmptyPayloadTag = errors.New("consensus message with empty payload tag")
)

// maxWireLength bounds any single length prefix; larger values are malformed.
const maxWireLength = 1 << 22

// CanonicalNow returns the current time at the wire format's resolution.
// Timestamps must be created through this so that parse(serialize(m)) = m.
func CanonicalNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// MarshalConsensusMessage serializes msg into the wire format.
func MarshalConsensusMessage(msg *ConsensusMessage) ([]byte, error) {
	if msg.Payload == nil || msg.Payload.Tag() == TagNone {
		return nil, ErrEmptyPayloadTag
	}

	w := new(bytes.Buffer)
	writeUvarint(w, uint64(msg.Epoch))
	writeUvarint(w, uint64(msg.View))
	writeUvarint(w, uint64(msg.Block))
	writeBytes(w, msg.Sender)
	writeUvarint(w, uint64(msg.Timestamp.UnixNano()/1000))
	writeUvarint(w, uint64(msg.Payload.Tag()))
	if err := marshalPayload(w, msg.Payload); err != nil {
		return nil, err
	}
	writeBytes(w, msg.Signature)
	return w.Bytes(), nil
}

// UnmarshalConsensusMessage parses a wire-format consensus message.
func UnmarshalConsensusMessage(bz []byte) (*ConsensusMessage, error) {
	r := bytes.NewReader(bz)
	msg, err := readMessage(r)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after consensus message", r.Len())
	}
	return msg, nil
}

func readMessage(r *bytes.Reader) (*ConsensusMessage, error) {
	epoch, err := readUvarint(r)
	if err != nil {
		return nil, err
	}
	view, err := readUvarint(r)
	if err != nil {
		return nil, err
	}
	block, err := readUvarint(r)
	if err != nil {
		return nil, err
	}
	sender, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	micros, err := readUvarint(r)
	if err != nil {
		return nil, err
	}
	tag, err := readUvarint(r)
	if err != nil {
		return nil, err
	}
	if PayloadTag(tag) == TagNone {
		return nil, ErrEmptyPayloadTag
	}
	payload, err := unmarshalPayload(r, PayloadTag(tag))
	if err != nil {
		return nil, err
	}
	signature, err := readBytes(r)
	if err != nil {
		return nil, err
	}

	return &ConsensusMessage{
		Epoch:     EpochNumber(epoch),
		View:      int64(view),
		Block:     BlockNumber(block),
		Sender:    Address(sender),
		Timestamp: time.Unix(0, int64(micros)*1000).UTC(),
		Payload:   payload,
		Signature: signature,
	}, nil
}

func marshalPayload(w *bytes.Buffer, payload ConsensusPayload) error {
	switch pl := payload.(type) {
	case *PrePrepare:
		writeBytes(w, pl.Digest)
		writeBytes(w, pl.Payload)
	case *Prepare:
		writeBytes(w, pl.Digest)
	case *Commit:
		writeBytes(w, pl.Digest)
	case *ViewChange:
		if pl.Prepared == nil {
			w.WriteByte(0)
			return nil
		}
		w.WriteByte(1)
		if err := writeMessage(w, pl.Prepared.PrePrepare); err != nil {
			return err
		}
		writeUvarint(w, uint64(len(pl.Prepared.Prepares)))
		for _, p := range pl.Prepared.Prepares {
			if err := writeMessage(w, p); err != nil {
				return err
			}
		}
	case *NewView:
		writeUvarint(w, uint64(len(pl.ViewChanges)))
		for _, vc := range pl.ViewChanges {
			if err := writeMessage(w, vc); err != nil {
				return err
			}
		}
		if err := writeMessage(w, pl.PrePrepare); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown consensus payload %T", payload)
	}
	return nil
}

func unmarshalPayload(r *bytes.Reader, tag PayloadTag) (ConsensusPayload, error) {
	switch tag {
	case TagPrePrepare:
		digest, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		payload, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		return &PrePrepare{Digest: digest, Payload: payload}, nil
	case TagPrepare:
		digest, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		return &Prepare{Digest: digest}, nil
	case TagCommit:
		digest, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		return &Commit{Digest: digest}, nil
	case TagViewChange:
		flag, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if flag == 0 {
			return &ViewChange{}, nil
		}
		pp, err := readNestedMessage(r)
		if err != nil {
			return nil, err
		}
		count, err := readUvarint(r)
		if err != nil {
			return nil, err
		}
		if count > maxWireLength {
			return nil, errors.New("view change prepare count out of range")
		}
		prepares := make([]*ConsensusMessage, 0, count)
		for i := uint64(0); i < count; i++ {
			p, err := readNestedMessage(r)
			if err != nil {
				return nil, err
			}
			prepares = append(prepares, p)
		}
		return &ViewChange{Prepared: &PreparedCertificate{PrePrepare: pp, Prepares: prepares}}, nil
	case TagNewView:
		count, err := readUvarint(r)
		if err != nil {
			return nil, err
		}
		if count > maxWireLength {
			return nil, errors.New("new view change count out of range")
		}
		vcs := make([]*ConsensusMessage, 0, count)
		for i := uint64(0); i < count; i++ {
			vc, err := readNestedMessage(r)
			if err != nil {
				return nil, err
			}
			vcs = append(vcs, vc)
		}
		pp, err := readNestedMessage(r)
		if err != nil {
			return nil, err
		}
		return &NewView{ViewChanges: vcs, PrePrepare: pp}, nil
	default:
		return nil, fmt.Errorf("unknown consensus payload tag %d", tag)
	}
}

// writeMessage encodes a nested message as a length-prefixed envelope.
func writeMessage(w *bytes.Buffer, msg *ConsensusMessage) error {
	bz, err := MarshalConsensusMessage(msg)
	if err != nil {
		return err
	}
	writeBytes(w, bz)
	return nil
}

func readNestedMessage(r *bytes.Reader) (*ConsensusMessage, error) {
	bz, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	return UnmarshalConsensusMessage(bz)
}

func writeUvarint(w *bytes.Buffer, v uint64) {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	w.Write(buf[:n])
}

func readUvarint(r *bytes.Reader) (uint64, error) {
	return binary.ReadUvarint(r)
}

func writeBytes(w *bytes.Buffer, bz []byte) {
	writeUvarint(w, uint64(len(bz)))
	w.Write(bz)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	length, err := readUvarint(r)
	if err != nil {
		return nil, err
	}
	if length > maxWireLength {
		return nil, fmt.Errorf("wire length %d out of range", length)
	}
	if length == 0 {
		return nil, nil
	}
	bz := make([]byte, length)
	if _, err := io.ReadFull(r, bz); err != nil {
		return nil, err
	}
	return bz, nil
}
