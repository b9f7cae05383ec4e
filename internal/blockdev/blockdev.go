// Package blockdev exposes PSP-style disc images stored in several on-disk
// encodings (raw ISO, CISO, NPDRM PBP) through one uniform fixed-size
// random-block-read interface. Every device variant yields raw 2048-byte
// sectors; interpreting the contained filesystem is the caller's job.
//
// Error handling is deliberately permissive to stay compatible with images
// produced by legacy tooling: malformed headers are logged and construction
// continues with best-effort state unless strict mode is enabled. See the
// individual device types for the exact policy.
//
// Device instances are not safe for concurrent use: both the underlying read
// position and the internal single-slot caches are mutated on every read.
// Callers that share a device across goroutines must serialize access with
// their own lock.
package blockdev

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/klauspost/compress/flate"
)

// BlockSize is the logical sector size exposed by every device variant.
const BlockSize = 2048

var (
	// ErrMissingEngines is returned when an NPDRM image is opened without the
	// MAC/cipher/LZRC collaborators it needs for key derivation and payload
	// decoding.
	ErrMissingEngines = errors.New("blockdev: npdrm image requires mac, cipher and lzrc engines")

	// ErrBadFormat is returned in strict mode when an image fails header
	// validation that the permissive default would only log.
	ErrBadFormat = errors.New("blockdev: invalid image format")
)

// Device is the uniform read interface over a disc image. The output slice
// passed to ReadBlock must be at least BlockSize bytes; its first BlockSize
// bytes are always fully written (real data or zeros) regardless of the
// boolean result. The boolean reports success for diagnostics — callers must
// not infer "buffer unchanged" from false.
type Device interface {
	BlockSize() int
	NumBlocks() uint32
	ReadBlock(blockNumber uint32, out []byte) bool
	Close() error
}

// Decompressor inflates a raw-deflate stream into dst and reports how many
// bytes were produced.
type Decompressor interface {
	Decompress(dst, src []byte) (int, error)
}

// LZRCDecompressor expands an LZRC-compressed NPDRM storage unit into dst and
// reports how many bytes were produced.
type LZRCDecompressor interface {
	Decompress(dst, src []byte) (int, error)
}

// MACEngine derives the 16-byte version key from the MAC'd region of an NPDRM
// header and the 16-byte MAC stored after it.
type MACEngine interface {
	DeriveKey(data, storedMAC []byte) ([]byte, error)
}

// CipherEngine decrypts data in place using the header key, the version key
// derived by the MACEngine and a position-derived seed.
type CipherEngine interface {
	Decrypt(headerKey, versionKey []byte, seed uint32, data []byte) error
}

// flateDecompressor is the default Decompressor, backed by
// klauspost/compress. CISO frames are raw deflate streams (no zlib header),
// matching the original tooling.
type flateDecompressor struct{}

func (flateDecompressor) Decompress(dst, src []byte) (int, error) {
	fr := flate.NewReader(bytes.NewReader(src))
	defer fr.Close()

	n, err := io.ReadFull(fr, dst)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return n, nil
	}
	if err != nil {
		return n, fmt.Errorf("inflate: %w", err)
	}

	// dst is full; the stream must end exactly here for the frame to be the
	// size the caller expects.
	var tail [1]byte
	if m, _ := fr.Read(tail[:]); m > 0 {
		return n, errors.New("inflate: output exceeds frame size")
	}
	return n, nil
}

// options carries the collaborators and policy flags shared by all device
// constructors.
type options struct {
	logger       *slog.Logger
	strict       bool
	decompressor Decompressor
	lzrc         LZRCDecompressor
	mac          MACEngine
	cipher       CipherEngine
}

// Option configures device construction.
type Option func(*options)

// WithLogger sets the logger used by the constructed device. Defaults to
// slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithStrict makes format violations (bad magic, unsupported version or
// geometry) fail construction instead of being logged and tolerated. The
// permissive default matches legacy reader behavior and is required to open
// many images found in the wild.
func WithStrict() Option {
	return func(o *options) { o.strict = true }
}

// WithDecompressor replaces the default raw-deflate inflater used for CISO
// frames.
func WithDecompressor(d Decompressor) Option {
	return func(o *options) { o.decompressor = d }
}

// WithLZRC supplies the LZRC decompressor used for compressed NPDRM storage
// units. Required to open NPDRM images.
func WithLZRC(d LZRCDecompressor) Option {
	return func(o *options) { o.lzrc = d }
}

// WithMAC supplies the MAC engine used for NPDRM version-key derivation.
// Required to open NPDRM images.
func WithMAC(m MACEngine) Option {
	return func(o *options) { o.mac = m }
}

// WithCipher supplies the cipher engine used for NPDRM header and payload
// decryption. Required to open NPDRM images.
func WithCipher(c CipherEngine) Option {
	return func(o *options) { o.cipher = c }
}

func buildOptions(opts []Option) options {
	o := options{
		logger:       slog.Default(),
		decompressor: flateDecompressor{},
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// zeroBlock clears the first BlockSize bytes of out.
func zeroBlock(out []byte) {
	clear(out[:BlockSize])
}
