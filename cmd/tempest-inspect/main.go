// Command tempest-inspect decodes a captured Tempest frame's header
// fields and re-renders them as CBOR for human inspection. It reads
// the wire format itself with a local, read-only parser rather than
// importing package tempest's internal frame codec, since a debug
// tool has no business constructing or mutating live frames.
package main

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
)

// frameHeader mirrors the fixed-size prefix of a Tempest frame
// (spec.md §4.D): protocol id, flags, connection id, message type,
// and total length, in that order, all little-endian.
type frameHeader struct {
	ProtocolID   byte   `cbor:"protocol_id"`
	Flags        byte   `cbor:"flags"`
	Encrypted    bool   `cbor:"encrypted"`
	Authenticated bool  `cbor:"authenticated"`
	IsResponse   bool   `cbor:"is_response"`
	ConnectionID uint32 `cbor:"connection_id"`
	MessageType  uint16 `cbor:"message_type"`
	TotalLength  uint32 `cbor:"total_length"`
	CapturedLen  int    `cbor:"captured_len"`
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: tempest-inspect <captured-frame-file>")
		os.Exit(1)
	}
	if err := run(os.Args[1]); err != nil {
		fmt.Fprintln(os.Stderr, "tempest-inspect:", err)
		os.Exit(1)
	}
}

func run(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read frame file: %w", err)
	}
	hdr, err := parseHeader(raw)
	if err != nil {
		return fmt.Errorf("parse frame header: %w", err)
	}

	encoded, err := cbor.Marshal(hdr)
	if err != nil {
		return fmt.Errorf("encode cbor: %w", err)
	}

	diag, err := cbor.Diagnose(encoded)
	if err != nil {
		return fmt.Errorf("render diagnostic notation: %w", err)
	}
	fmt.Println(diag)
	return nil
}

// parseHeader reads the fixed 12-byte prefix common to every Tempest
// frame regardless of its optional IV/response-id/signature fields
// (those require knowing the session's negotiated key sizes, which a
// capture-file inspector doesn't have).
func parseHeader(raw []byte) (*frameHeader, error) {
	const fixedLen = 1 + 1 + 4 + 2 + 4
	if len(raw) < fixedLen {
		return nil, fmt.Errorf("frame too short: %d bytes", len(raw))
	}
	flags := raw[1]
	return &frameHeader{
		ProtocolID:    raw[0],
		Flags:         flags,
		Encrypted:     flags&(1<<0) != 0,
		Authenticated: flags&(1<<1) != 0,
		IsResponse:    flags&(1<<2) != 0,
		ConnectionID:  binary.LittleEndian.Uint32(raw[2:6]),
		MessageType:   binary.LittleEndian.Uint16(raw[6:8]),
		TotalLength:   binary.LittleEndian.Uint32(raw[8:12]),
		CapturedLen:   len(raw),
	}, nil
}
