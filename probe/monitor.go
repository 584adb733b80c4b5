// Package probe inspects the host for secure monitor support.
package probe

import (
	"fmt"

	"github.com/smavisor/gosma/smc"
)

// MonitorBridge opens the secure monitor bridge device and prints the
// request ABI it would be driven with. An empty path probes the default
// device.
func MonitorBridge(path string) error {
	caller, err := smc.OpenDev(path)
	if err != nil {
		return err
	}
	defer caller.Close()

	if path == "" {
		path = smc.DefaultDevPath
	}

	fmt.Printf("%-24s: %s\n", "bridge device", path)
	fmt.Printf("%-24s: %#x\n", "remap-ipa request", uint32(smc.ReqRemapIPA))
	fmt.Printf("%-24s: %d\n", "request bytes", smc.EncodedSize)
	fmt.Printf("%-24s: %d\n", "max IPN entries", smc.MaxIPNs)

	return nil
}
