package blockdev

import (
	"bytes"
	"fmt"
	"io"

	"github.com/spf13/afero"
)

// Format identifies the container encoding of a disc image.
type Format int

const (
	// FormatPlain is a raw pass-through image (typically a plain ISO).
	FormatPlain Format = iota
	// FormatCISO is a compressed frame-indexed image.
	FormatCISO
	// FormatNPDRM is an encrypted/compressed PBP demo-disc image.
	FormatNPDRM
)

func (f Format) String() string {
	switch f {
	case FormatCISO:
		return "ciso"
	case FormatNPDRM:
		return "npdrm"
	default:
		return "plain"
	}
}

var (
	cisoMagic = []byte("CISO")
	pbpMagic  = []byte{0x00, 'P', 'B', 'P'}
)

// DetectFormat sniffs the container format from the first bytes of an image.
// Anything that is not CISO or PBP, including a prefix shorter than 4 bytes,
// is treated as a plain image.
func DetectFormat(prefix []byte) Format {
	if len(prefix) < 4 {
		return FormatPlain
	}
	switch {
	case bytes.Equal(prefix[:4], cisoMagic):
		return FormatCISO
	case bytes.Equal(prefix[:4], pbpMagic):
		return FormatNPDRM
	default:
		return FormatPlain
	}
}

// Open sniffs the image at path and constructs the matching device. The
// device takes ownership of the opened file and releases it on Close. If the
// file cannot be opened or the selected device cannot be constructed, no
// device is produced.
func Open(fsys afero.Fs, path string, opts ...Option) (Device, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("blockdev: open %s: %w", path, err)
	}

	dev, err := New(f, opts...)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return dev, nil
}

// New constructs a device over an already opened image. The reader's position
// is reset to the start before the selected constructor parses it.
func New(f io.ReadSeekCloser, opts ...Option) (Device, error) {
	var magic [4]byte
	n, _ := io.ReadFull(f, magic[:])
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("blockdev: rewind image: %w", err)
	}

	switch DetectFormat(magic[:n]) {
	case FormatCISO:
		return NewCISODevice(f, opts...)
	case FormatNPDRM:
		return NewNPDRMDevice(f, opts...)
	default:
		return NewFileDevice(f, opts...)
	}
}
