//go:build unix

package bitmap

import (
	"os"

	"golang.org/x/sys/unix"
)

func mapFile(f *os.File, size int64) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}
	return unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func unmapFile(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return unix.Munmap(data)
}

func (b *Bitmap) sync() error {
	if len(b.data) == 0 {
		return nil
	}
	if err := unix.Msync(b.data, unix.MS_SYNC); err != nil {
		return err
	}
	return b.file.Sync()
}
