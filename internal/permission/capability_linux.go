//go:build linux

package permission

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// processCapability reports whether value is in the effective capability
// set of the current process.
func processCapability(value int) (bool, error) {
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	if err := unix.Capget(&hdr, &data[0]); err != nil {
		return false, fmt.Errorf("capget: %w", err)
	}
	return data[value/32].Effective&(1<<uint(value%32)) != 0, nil
}
