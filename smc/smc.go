// Package smc defines the request handed to the secure monitor and the
// call boundary itself. The monitor performs the authoritative copy of
// confidential frame content; the host only assembles the request.
//
// Wire layout of an encoded request (little-endian):
//
//	[4-byte secure-VM id][4-byte request type]
//	[8-byte source base PFN][8-byte destination base PFN]
//	[4-byte page count][4-byte IPN count]
//	[2048 x 8-byte IPN slots, zero padded]
package smc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ReqType identifies a secure monitor request.
type ReqType uint32

// ReqRemapIPA asks the monitor to remap a range of intermediate physical
// addresses from a source region onto a destination region.
const ReqRemapIPA ReqType = 0x10

// MaxIPNs caps the IPN list of one request: 2048 4K frames, 8 MiB.
const MaxIPNs = 2048

// EncodedSize is the fixed size of an encoded request in bytes.
const EncodedSize = 32 + MaxIPNs*8

var (
	errTooManyIPNs  = errors.New("too many IPN entries")
	errShortRequest = errors.New("encoded request too short")
	errBadIPNCount  = errors.New("IPN count exceeds request capacity")

	// ErrCallerUnbacked means the secure monitor device was not opened.
	ErrCallerUnbacked = errors.New("secure monitor device not opened")
)

// Request is one remap-IPA request, built once per migration batch.
type Request struct {
	SecVMID    uint32
	Type       ReqType
	SrcBasePFN uint64
	DstBasePFN uint64
	NrPages    uint32
	IPNs       []uint64
}

// Encode serializes the request into the fixed shared-region layout.
func (r *Request) Encode() ([]byte, error) {
	if len(r.IPNs) > MaxIPNs {
		return nil, fmt.Errorf("%w: %d > %d", errTooManyIPNs, len(r.IPNs), MaxIPNs)
	}

	buf := make([]byte, EncodedSize)
	binary.LittleEndian.PutUint32(buf[0:4], r.SecVMID)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(r.Type))
	binary.LittleEndian.PutUint64(buf[8:16], r.SrcBasePFN)
	binary.LittleEndian.PutUint64(buf[16:24], r.DstBasePFN)
	binary.LittleEndian.PutUint32(buf[24:28], r.NrPages)
	binary.LittleEndian.PutUint32(buf[28:32], uint32(len(r.IPNs)))

	for i, ipn := range r.IPNs {
		binary.LittleEndian.PutUint64(buf[32+i*8:], ipn)
	}

	return buf, nil
}

// DecodeRequest parses an encoded request. The destination side of the
// trap uses the same layout, so tests decode what Callers would see.
func DecodeRequest(buf []byte) (*Request, error) {
	if len(buf) < EncodedSize {
		return nil, fmt.Errorf("%w: %d bytes", errShortRequest, len(buf))
	}

	n := binary.LittleEndian.Uint32(buf[28:32])
	if n > MaxIPNs {
		return nil, fmt.Errorf("%w: %d", errBadIPNCount, n)
	}

	r := &Request{
		SecVMID:    binary.LittleEndian.Uint32(buf[0:4]),
		Type:       ReqType(binary.LittleEndian.Uint32(buf[4:8])),
		SrcBasePFN: binary.LittleEndian.Uint64(buf[8:16]),
		DstBasePFN: binary.LittleEndian.Uint64(buf[16:24]),
		NrPages:    binary.LittleEndian.Uint32(buf[24:28]),
		IPNs:       make([]uint64, n),
	}

	for i := range r.IPNs {
		r.IPNs[i] = binary.LittleEndian.Uint64(buf[32+i*8:])
	}

	return r, nil
}

// Caller issues one synchronous, uninterruptible secure monitor call.
// Implementations own interrupt masking around the trap; the issuing
// thread is parked until the secure domain returns.
type Caller interface {
	Call(req *Request) error
}
