// Package rdh parses and validates the Raw Data Header that prefixes
// each packet inside a page. The reader works directly off a page's
// backing bytes — no copy, no allocation per field — in the same shape
// as the teacher pack's small fixed-buffer binary readers
// (dot5enko-simple-column-db/bits.BitsReader), but reading from a []byte
// rather than an io.Reader since RDH parsing sits on the hot path.
package rdh

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Size is the fixed byte length of an RDH as defined by the structural
// contract in SPEC_FULL.md §6.
const Size = 16

// MaxLinkID is the largest legal link id. Anything above this is a
// structural violation.
const MaxLinkID = 31

// SupportedVersion is the only RDH version this reader accepts.
const SupportedVersion = 1

// RDH is the decoded Raw Data Header.
type RDH struct {
	Version          uint8
	HeaderSize       uint8
	OffsetNextPacket uint16
	PacketCounter    uint8
	LinkID           uint8
	CRUID            uint16
	HBOrbit          uint32
}

var (
	// ErrShortBuffer is returned when fewer than Size bytes remain to
	// decode a header.
	ErrShortBuffer = errors.New("rdh: buffer shorter than header size")
	// ErrBadVersion is a structural violation: unsupported RDH version.
	ErrBadVersion = errors.New("rdh: unsupported version")
	// ErrBadHeaderSize is a structural violation: headerSize is smaller
	// than the fixed header itself.
	ErrBadHeaderSize = errors.New("rdh: header size smaller than RDH")
	// ErrBadLinkID is a structural violation: linkId exceeds MaxLinkID.
	ErrBadLinkID = errors.New("rdh: link id out of range")
)

// Decode reads one RDH starting at the front of buf. It does not copy
// buf; the returned RDH is a plain value decoded from it.
func Decode(buf []byte) (RDH, error) {
	if len(buf) < Size {
		return RDH{}, ErrShortBuffer
	}

	h := RDH{
		Version:          buf[0],
		HeaderSize:       buf[1],
		OffsetNextPacket: binary.LittleEndian.Uint16(buf[2:4]),
		PacketCounter:    buf[4],
		LinkID:           buf[5],
		CRUID:            binary.LittleEndian.Uint16(buf[6:8]),
		HBOrbit:          binary.LittleEndian.Uint32(buf[8:12]),
	}
	return h, nil
}

// Validate checks an RDH's structural contract. A non-nil error means
// the header is a hard structural violation and the page's walk must
// stop.
func Validate(h RDH) error {
	if h.Version != SupportedVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrBadVersion, h.Version, SupportedVersion)
	}
	if int(h.HeaderSize) < Size {
		return fmt.Errorf("%w: got %d, want >= %d", ErrBadHeaderSize, h.HeaderSize, Size)
	}
	if h.LinkID > MaxLinkID {
		return fmt.Errorf("%w: got %d, max %d", ErrBadLinkID, h.LinkID, MaxLinkID)
	}
	return nil
}

// Walk invokes fn for each RDH found in page, chaining through
// OffsetNextPacket until it reaches 0 (end of page) or a structural
// violation. It stops and returns the violation's error immediately
// without invoking fn for the bad header; walk reaching the natural end
// of the page returns nil.
func Walk(page []byte, fn func(h RDH, offset int) error) error {
	offset := 0
	for {
		if offset+Size > len(page) {
			return fmt.Errorf("rdh: walk past page end at offset %d: %w", offset, ErrShortBuffer)
		}

		h, err := Decode(page[offset:])
		if err != nil {
			return err
		}
		if err := Validate(h); err != nil {
			return err
		}
		if err := fn(h, offset); err != nil {
			return err
		}

		if h.OffsetNextPacket == 0 {
			return nil
		}
		offset += int(h.OffsetNextPacket)
	}
}

// ContiguityCheck reports whether next is a legal successor to prev
// under mod-256 packet counter semantics: next must equal prev or
// prev+1 (mod 256). A zero-value prev (first packet seen for a link) is
// always accepted by callers tracking "have we seen this link before"
// separately; this function only compares two known counters.
func ContiguityCheck(prev, next uint8) bool {
	return next == prev || next == prev+1
}
