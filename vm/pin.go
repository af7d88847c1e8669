package vm

// PinRange faults in and pins every page overlapping [addr, addr+length),
// for the duration of a kernel-initiated I/O on a syscall buffer
// (spec.md §4.5: "Pinning"). If forWrite is true the kernel intends to
// write into the buffer (e.g. servicing a read() syscall) and the
// touched pages are marked dirty immediately, since the actual byte
// writes happen outside vm's view. The returned func must be called
// exactly once to release the pins.
func (as *AddressSpace) PinRange(addr uintptr, length int, esp uintptr, forWrite bool) (unpin func(), err error) {
	if length <= 0 {
		return func() {}, nil
	}
	start := pageAlign(addr)
	end := pageAlign(addr + uintptr(length-1))

	var frames []*Frame
	for page := start; ; page += PageSize {
		if err := as.Fault(page, esp); err != nil {
			for _, f := range frames {
				as.table.unpin(f)
			}
			return nil, err
		}
		pte, ok := as.Lookup(page)
		if !ok || pte.Frame == nil {
			for _, f := range frames {
				as.table.unpin(f)
			}
			return nil, ErrBadAccess
		}
		as.table.pin(pte.Frame)
		frames = append(frames, pte.Frame)
		if forWrite {
			as.Touch(page)
		}
		if page == end {
			break
		}
	}

	return func() {
		for _, f := range frames {
			as.table.unpin(f)
		}
	}, nil
}
