package vfs

import "encoding/binary"

// Directory entries cross the syscall boundary in the linux_dirent64
// layout:
//
//	u64 d_ino
//	s64 d_off
//	u16 d_reclen
//	u8  d_type
//	u8[] d_name, NUL-terminated, padded so d_reclen is 8-byte aligned
const (
	DTDir = 4
	DTReg = 8

	direntHeaderSize = 19 // ino + off + reclen + type
)

// DirentSize returns the record length an entry with the given name
// occupies.
func DirentSize(name string) int {
	return (direntHeaderSize + len(name) + 1 + 7) &^ 7
}

// EncodeDirent writes one record into buf and returns its length, or
// 0 if the record does not fit.
func EncodeDirent(buf []byte, ino uint64, off int64, e DirEntry) int {
	reclen := DirentSize(e.Name)
	if reclen > len(buf) {
		return 0
	}

	binary.LittleEndian.PutUint64(buf[0:], ino)
	binary.LittleEndian.PutUint64(buf[8:], uint64(off))
	binary.LittleEndian.PutUint16(buf[16:], uint16(reclen))
	typ := byte(DTReg)
	if e.IsDir {
		typ = DTDir
	}
	buf[18] = typ
	copy(buf[direntHeaderSize:], e.Name)
	for i := direntHeaderSize + len(e.Name); i < reclen; i++ {
		buf[i] = 0
	}
	return reclen
}

// EncodeDirents fills buf with as many records from next as fit and
// returns the bytes written. next returns nil at end of directory.
func EncodeDirents(buf []byte, next func() (*DirEntry, error)) (int, error) {
	written := 0
	off := int64(0)
	for {
		e, err := next()
		if err != nil {
			if written > 0 {
				return written, nil
			}
			return 0, err
		}
		if e == nil {
			return written, nil
		}
		n := EncodeDirent(buf[written:], 1, off, *e)
		if n == 0 {
			// Out of room; the entry already taken from next is
			// not written and is not returned by a later call.
			return written, nil
		}
		written += n
		off++
	}
}
