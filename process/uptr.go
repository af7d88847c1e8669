package process

import (
	"fmt"

	"github.com/rwan6/pintos/vm"
	"golang.org/x/sys/unix"
)

// CheckPageSize asserts at startup that vm.PageSize matches the host's
// own notion of a page — the same sanity check a real loader performs
// before trusting its page-aligned segment math (spec.md §4.5's
// page-alignment requirement for every installed segment). go-pintos
// simulates the address space entirely in Go-managed memory, but the
// constant is still meant to model one real physical page, so a
// mismatch here means vm.PageSize drifted from reality and every
// alignment check downstream would be simulating the wrong hardware.
func CheckPageSize() error {
	if got := unix.Getpagesize(); got != vm.PageSize {
		return fmt.Errorf("process: vm.PageSize=%d does not match host page size %d", vm.PageSize, got)
	}
	return nil
}
