package device

import (
	"fmt"
	"io"
	"os"
)

// FileDevice is a BlockDevice backed by an *os.File; other handle types
// are not accepted. It is the block-addressed
// analog of the teacher's backend/file rawBackend: open/create by path,
// then treat the whole file as an array of fixed-size blocks.
type FileDevice struct {
	f          *os.File
	blockSize  uint64
	numBlocks  uint64
	readOnly   bool
}

var _ BlockDevice = (*FileDevice)(nil)

// OpenFileDevice opens an existing file or block special device at path and
// treats it as blockCount blocks of blockSize bytes each. The file must
// already exist and be at least blockCount*blockSize bytes long.
func OpenFileDevice(path string, blockSize, blockCount uint64, readOnly bool) (*FileDevice, error) {
	if path == "" {
		return nil, fmt.Errorf("device: must pass a path")
	}
	mode := os.O_RDONLY
	if !readOnly {
		mode = os.O_RDWR
	}
	f, err := os.OpenFile(path, mode, 0o600)
	if err != nil {
		return nil, fmt.Errorf("device: could not open %s: %w", path, err)
	}
	return &FileDevice{f: f, blockSize: blockSize, numBlocks: blockCount, readOnly: readOnly}, nil
}

// CreateFileDevice creates a new file at path, sized to exactly
// blockCount*blockSize bytes, and returns a writable FileDevice over it.
// The path must not already exist.
func CreateFileDevice(path string, blockSize, blockCount uint64) (*FileDevice, error) {
	if path == "" {
		return nil, fmt.Errorf("device: must pass a path")
	}
	if blockSize == 0 || blockCount == 0 {
		return nil, fmt.Errorf("device: blockSize and blockCount must be positive")
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		return nil, fmt.Errorf("device: could not create %s: %w", path, err)
	}
	size := int64(blockSize * blockCount)
	if err := f.Truncate(size); err != nil {
		return nil, fmt.Errorf("device: could not size %s to %d bytes: %w", path, size, err)
	}
	return &FileDevice{f: f, blockSize: blockSize, numBlocks: blockCount}, nil
}

func (d *FileDevice) BlockSize() uint64 { return d.blockSize }
func (d *FileDevice) NumBlocks() uint64 { return d.numBlocks }

func (d *FileDevice) ReadBlock(addr Address) ([]byte, error) {
	if err := checkRange(d, addr); err != nil {
		return nil, err
	}
	buf := make([]byte, d.blockSize)
	off := int64(uint64(addr) * d.blockSize)
	if _, err := d.f.ReadAt(buf, off); err != nil && err != io.EOF {
		return nil, fmt.Errorf("device: read block %d: %w", addr, err)
	}
	return buf, nil
}

func (d *FileDevice) WriteBlock(addr Address, data []byte) error {
	if d.readOnly {
		return fmt.Errorf("device: file device is read-only")
	}
	if err := checkRange(d, addr); err != nil {
		return err
	}
	if uint64(len(data)) != d.blockSize {
		return ErrShortWrite
	}
	off := int64(uint64(addr) * d.blockSize)
	if _, err := d.f.WriteAt(data, off); err != nil {
		return fmt.Errorf("device: write block %d: %w", addr, err)
	}
	return nil
}

func (d *FileDevice) Flush() error {
	if d.readOnly {
		return nil
	}
	if err := d.f.Sync(); err != nil {
		return fmt.Errorf("device: flush: %w", err)
	}
	return nil
}

// Close releases the underlying file handle.
func (d *FileDevice) Close() error {
	return d.f.Close()
}
