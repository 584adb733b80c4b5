package smc

import (
	"fmt"

	"go.uber.org/zap"
)

// Loopback is a Caller for hosts without a secure monitor bridge. It runs
// the request through the wire codec and records it, so the demo binary
// and tests can exercise the full batch protocol in-process.
type Loopback struct {
	// Last is the most recent request seen, as decoded from the encoded
	// form a real bridge would hand to the monitor.
	Last *Request

	// Calls counts completed calls.
	Calls int
}

// Call validates req against the shared-region layout and records it.
func (l *Loopback) Call(req *Request) error {
	buf, err := req.Encode()
	if err != nil {
		return err
	}

	decoded, err := DecodeRequest(buf)
	if err != nil {
		return fmt.Errorf("request does not round-trip: %w", err)
	}

	l.Last = decoded
	l.Calls++

	zap.L().Debug("loopback secure monitor call",
		zap.Uint32("sec_vm_id", decoded.SecVMID),
		zap.Uint64("src_base_pfn", decoded.SrcBasePFN),
		zap.Uint64("dst_base_pfn", decoded.DstBasePFN),
		zap.Int("ipns", len(decoded.IPNs)))

	return nil
}
