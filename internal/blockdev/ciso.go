package blockdev

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
)

// cisoHeader is the fixed 0x18-byte on-disk CISO header, little-endian. It is
// followed immediately by frameCount+1 uint32 index entries whose top bit
// flags a stored (uncompressed) frame and whose low 31 bits are the frame
// position scaled by 1<<IndexShift.
type cisoHeader struct {
	Magic      [4]byte
	HeaderSize uint32
	TotalBytes uint64
	FrameSize  uint32
	Version    uint8
	IndexShift uint8
	Reserved   [2]byte
}

const cisoStoredFlag = 0x80000000

// CISODevice reads a compressed frame-indexed image. Blocks map onto
// power-of-two-sized frames which are inflated on demand; the most recently
// inflated frame is kept in a single cache slot, which amortizes the
// decompression cost under sequential access without a multi-slot cache.
type CISODevice struct {
	f   io.ReadSeekCloser
	log *slog.Logger

	frameSize  uint32
	blockShift uint32
	indexShift uint32
	numFrames  uint32
	numBlocks  uint32
	index      []uint32

	inflate Decompressor

	readBuf  []byte
	frameBuf []byte
	// cachedFrame marks which frame frameBuf holds; numFrames means none.
	cachedFrame uint32
}

// NewCISODevice parses the CISO header and index table and sizes the frame
// buffers. Construction is permissive by default: bad magic, an unsupported
// version or invalid frame geometry are logged and tolerated, and a short
// index read leaves the table zero-filled. With WithStrict those conditions
// fail construction instead.
func NewCISODevice(f io.ReadSeekCloser, opts ...Option) (*CISODevice, error) {
	o := buildOptions(opts)
	log := o.logger.With("component", "ciso-device")

	var hdr cisoHeader
	if err := binary.Read(f, binary.LittleEndian, &hdr); err != nil {
		if o.strict {
			return nil, fmt.Errorf("blockdev: read ciso header: %w", err)
		}
		log.Warn("short CISO header read", "err", err)
	}

	if string(hdr.Magic[:]) != "CISO" {
		if o.strict {
			return nil, fmt.Errorf("%w: bad CISO magic %q", ErrBadFormat, hdr.Magic)
		}
		log.Warn("invalid CISO magic", "magic", fmt.Sprintf("%x", hdr.Magic))
	}
	if hdr.Version > 1 {
		if o.strict {
			return nil, fmt.Errorf("%w: CISO version %d not supported", ErrBadFormat, hdr.Version)
		}
		log.Error("CISO version too high", "version", hdr.Version)
	}

	frameSize := hdr.FrameSize
	switch {
	case frameSize&(frameSize-1) != 0:
		if o.strict {
			return nil, fmt.Errorf("%w: CISO frame size %d is not a power of two", ErrBadFormat, frameSize)
		}
		log.Error("CISO frame size must be a power of two", "frame_size", frameSize)
	case frameSize < BlockSize:
		if o.strict {
			return nil, fmt.Errorf("%w: CISO frame size %d is below one sector", ErrBadFormat, frameSize)
		}
		log.Error("CISO frame size must be at least one sector", "frame_size", frameSize)
	}

	// Number of right-shifts turning a frame offset into a block offset,
	// i.e. frameSize == BlockSize << blockShift.
	var blockShift uint32
	for i := frameSize; i > BlockSize; i >>= 1 {
		blockShift++
	}

	d := &CISODevice{
		f:          f,
		log:        log,
		frameSize:  frameSize,
		blockShift: blockShift,
		indexShift: uint32(hdr.IndexShift),
	}
	if frameSize > 0 {
		d.numFrames = uint32((hdr.TotalBytes + uint64(frameSize) - 1) / uint64(frameSize))
		d.numBlocks = uint32(hdr.TotalBytes / BlockSize)
	}
	log.Debug("CISO geometry",
		"blocks", d.numBlocks,
		"frames", d.numFrames,
		"frame_size", frameSize,
		"index_shift", d.indexShift)

	// Frame spans may include index alignment padding, so the buffers are a
	// little larger than one frame.
	bufSize := int(frameSize) + (1 << d.indexShift)
	d.readBuf = make([]byte, bufSize)
	d.frameBuf = make([]byte, bufSize)
	d.cachedFrame = d.numFrames

	d.inflate = o.decompressor

	d.index = make([]uint32, d.numFrames+1)
	if err := binary.Read(f, binary.LittleEndian, d.index); err != nil {
		if o.strict {
			return nil, fmt.Errorf("blockdev: read ciso index table: %w", err)
		}
		log.Warn("short CISO index table read", "entries", len(d.index), "err", err)
		clear(d.index)
	}

	return d, nil
}

func (d *CISODevice) BlockSize() int    { return BlockSize }
func (d *CISODevice) NumBlocks() uint32 { return d.numBlocks }

// FrameSize returns the decompression frame size in bytes.
func (d *CISODevice) FrameSize() uint32 { return d.frameSize }

// ReadBlock decodes the 2048-byte block at blockNumber. Out-of-range blocks
// and decompression failures zero-fill the output and report failure; short
// reads of stored frames zero-pad the remainder and still succeed.
func (d *CISODevice) ReadBlock(blockNumber uint32, out []byte) bool {
	out = out[:BlockSize]

	if blockNumber >= d.numBlocks {
		zeroBlock(out)
		return false
	}

	frame := blockNumber >> d.blockShift
	idx := d.index[frame]
	readPos := uint64(idx&^cisoStoredFlag) << d.indexShift
	readEnd := uint64(d.index[frame+1]&^cisoStoredFlag) << d.indexShift
	frameOffset := (blockNumber & ((1 << d.blockShift) - 1)) * BlockSize

	switch {
	case idx&cisoStoredFlag != 0:
		// Stored uncompressed: the block can be read straight out of the
		// frame span.
		if _, err := d.f.Seek(int64(readPos)+int64(frameOffset), io.SeekStart); err != nil {
			d.log.Error("seek failed", "block", blockNumber, "err", err)
			zeroBlock(out)
			return true
		}
		n, _ := io.ReadFull(d.f, out)
		if n < BlockSize {
			clear(out[n:])
		}

	case d.cachedFrame == frame:
		copy(out, d.frameBuf[frameOffset:frameOffset+BlockSize])

	default:
		// Index entries must be non-decreasing for the frame span to mean
		// anything; a reversed pair would otherwise wrap the span size.
		if readEnd < readPos {
			d.log.Error("non-monotonic index table", "block", blockNumber, "frame", frame,
				"pos", readPos, "end", readEnd)
			zeroBlock(out)
			return false
		}
		compressedSize := int(readEnd - readPos)

		if _, err := d.f.Seek(int64(readPos), io.SeekStart); err != nil {
			d.log.Error("seek failed", "block", blockNumber, "err", err)
			zeroBlock(out)
			return false
		}
		if compressedSize > len(d.readBuf) {
			// Defensive against index tables that lie about span sizes; the
			// original reader would overrun its buffer here.
			d.readBuf = make([]byte, compressedSize)
		}
		readSize, _ := io.ReadFull(d.f, d.readBuf[:compressedSize])

		// The frame buffer is about to be clobbered, so the old frame can no
		// longer be served from cache even if inflation fails.
		d.cachedFrame = d.numFrames

		dst := d.frameBuf[:d.frameSize]
		if d.frameSize == BlockSize {
			dst = out
		}
		n, err := d.inflate.Decompress(dst, d.readBuf[:readSize])
		if err != nil {
			d.log.Error("frame inflate failed", "block", blockNumber, "frame", frame, "err", err)
			zeroBlock(out)
			return false
		}
		if uint32(n) != d.frameSize {
			d.log.Error("frame size mismatch", "block", blockNumber, "frame", frame,
				"got", n, "want", d.frameSize)
			zeroBlock(out)
			return false
		}

		if d.frameSize != BlockSize {
			d.cachedFrame = frame
			copy(out, d.frameBuf[frameOffset:frameOffset+BlockSize])
		}
	}

	return true
}

func (d *CISODevice) Close() error {
	return d.f.Close()
}
