package trap

import (
	"errors"

	"github.com/kestrelos/kestrel/internal/arch"
	"github.com/kestrelos/kestrel/internal/proc"
)

var (
	ErrBadUserPointer = errors.New("bad user pointer")
	ErrNotMapped      = errors.New("user page not mapped")
)

// lowerHalfLimit is the top of the user VA half.
const lowerHalfLimit = uint64(1) << 63

// validUserRange checks a user buffer [ptr, ptr+length): non-null, in
// the lower VA half, no overflow, and — when the agent has a user
// address space — every containing page mapped. The first tests are a
// cheap gate; the page walk is per page.
func validUserRange(a *proc.Agent, ptr, length uint64) error {
	if ptr == 0 {
		return ErrBadUserPointer
	}
	if ptr >= lowerHalfLimit {
		return ErrBadUserPointer
	}
	end := ptr + length
	if end < ptr {
		return ErrBadUserPointer
	}
	if end != ptr && end-1 >= lowerHalfLimit {
		return ErrBadUserPointer
	}
	if a == nil || a.User == nil {
		return nil
	}
	for page := ptr &^ uint64(arch.PageMask); page < end; page += arch.PageSize {
		if !a.User.IsMapped(page) {
			return ErrNotMapped
		}
	}
	return nil
}

// copyIn reads length bytes from the agent's address space at ptr,
// translating page by page.
func (h *Handler) copyIn(a *proc.Agent, ptr, length uint64) ([]byte, error) {
	if err := validUserRange(a, ptr, length); err != nil {
		return nil, err
	}
	out := make([]byte, 0, length)
	for length > 0 {
		chunk := arch.PageSize - ptr&uint64(arch.PageMask)
		if chunk > length {
			chunk = length
		}
		phys := ptr
		if a != nil && a.User != nil {
			p, ok := a.User.Translate(ptr)
			if !ok {
				return nil, ErrNotMapped
			}
			phys = p
		}
		b, err := h.m.Phys(phys, int(chunk))
		if err != nil {
			return nil, ErrBadUserPointer
		}
		out = append(out, b...)
		ptr += chunk
		length -= chunk
	}
	return out, nil
}

// copyOut writes buf into the agent's address space at ptr.
func (h *Handler) copyOut(a *proc.Agent, ptr uint64, buf []byte) error {
	if err := validUserRange(a, ptr, uint64(len(buf))); err != nil {
		return err
	}
	for len(buf) > 0 {
		chunk := int(arch.PageSize - ptr&uint64(arch.PageMask))
		if chunk > len(buf) {
			chunk = len(buf)
		}
		phys := ptr
		if a != nil && a.User != nil {
			p, ok := a.User.Translate(ptr)
			if !ok {
				return ErrNotMapped
			}
			phys = p
		}
		b, err := h.m.Phys(phys, chunk)
		if err != nil {
			return ErrBadUserPointer
		}
		copy(b, buf[:chunk])
		ptr += uint64(chunk)
		buf = buf[chunk:]
	}
	return nil
}

// maxPathLen bounds user-supplied path strings.
const maxPathLen = 64

// readUserString copies a NUL-terminated string of at most maxPathLen
// bytes from the agent's address space.
func (h *Handler) readUserString(a *proc.Agent, ptr uint64) (string, error) {
	if err := validUserRange(a, ptr, 1); err != nil {
		return "", err
	}
	var out []byte
	for i := uint64(0); i < maxPathLen; i++ {
		b, err := h.copyIn(a, ptr+i, 1)
		if err != nil {
			if i == 0 {
				return "", err
			}
			break
		}
		if b[0] == 0 {
			break
		}
		out = append(out, b[0])
	}
	return string(out), nil
}
