package blockdev

import (
	"fmt"
	"io"
	"log/slog"
)

// FileDevice maps block N directly to byte offset N*BlockSize in the
// underlying image. It performs no bounds checking beyond what the resource
// itself imposes; reads past the end of the image zero-fill the remainder and
// still report success, mirroring legacy reader behavior.
type FileDevice struct {
	f         io.ReadSeekCloser
	log       *slog.Logger
	numBlocks uint32
}

// NewFileDevice constructs a raw pass-through device. The block count is
// derived from the image size at construction time.
func NewFileDevice(f io.ReadSeekCloser, opts ...Option) (*FileDevice, error) {
	o := buildOptions(opts)

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("blockdev: stat image size: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("blockdev: rewind image: %w", err)
	}

	return &FileDevice{
		f:         f,
		log:       o.logger.With("component", "file-device"),
		numBlocks: uint32(size / BlockSize),
	}, nil
}

func (d *FileDevice) BlockSize() int    { return BlockSize }
func (d *FileDevice) NumBlocks() uint32 { return d.numBlocks }

// ReadBlock reads the 2048 bytes at offset blockNumber*2048. Short reads are
// logged, the unread remainder is zero-filled and the read still reports
// success.
func (d *FileDevice) ReadBlock(blockNumber uint32, out []byte) bool {
	out = out[:BlockSize]

	if _, err := d.f.Seek(int64(blockNumber)*BlockSize, io.SeekStart); err != nil {
		d.log.Error("seek failed", "block", blockNumber, "err", err)
		zeroBlock(out)
		return true
	}

	n, err := io.ReadFull(d.f, out)
	if n < BlockSize {
		d.log.Debug("short block read", "block", blockNumber, "read", n, "err", err)
		clear(out[n:])
	}
	return true
}

func (d *FileDevice) Close() error {
	return d.f.Close()
}
