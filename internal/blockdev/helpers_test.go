package blockdev

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/klauspost/compress/flate"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// imageFile writes data to a mem-backed filesystem and opens it, giving the
// devices a real seekable file without touching disk.
func imageFile(t *testing.T, data []byte) afero.File {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/image.bin", data, 0o644))
	f, err := fs.Open("/image.bin")
	require.NoError(t, err)
	return f
}

func deflateBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// patternBlock returns BlockSize bytes with a per-block recognizable pattern.
func patternBlock(seed byte) []byte {
	b := make([]byte, BlockSize)
	for i := range b {
		b[i] = seed ^ byte(i)
	}
	return b
}

// cisoFrame is one frame of a synthetic CISO image.
type cisoFrame struct {
	data   []byte // frameSize bytes of plaintext
	stored bool   // write uncompressed with the stored flag set
}

// buildCISO assembles a CISO image with index_shift 0 so index entries are
// plain byte offsets.
func buildCISO(t *testing.T, frameSize uint32, frames []cisoFrame) []byte {
	t.Helper()
	return buildCISOShifted(t, frameSize, 0, frames)
}

// buildCISOShifted assembles a CISO image whose index entries are scaled by
// 1<<indexShift; frame payloads are padded so every span starts on an aligned
// offset.
func buildCISOShifted(t *testing.T, frameSize uint32, indexShift uint8, frames []cisoFrame) []byte {
	t.Helper()

	align := uint32(1) << indexShift
	indexEntries := len(frames) + 1
	dataStart := (uint32(0x18+4*indexEntries) + align - 1) &^ (align - 1)

	var data bytes.Buffer
	index := make([]uint32, indexEntries)
	pos := dataStart
	for i, fr := range frames {
		require.Len(t, fr.data, int(frameSize))
		payload := fr.data
		if !fr.stored {
			payload = deflateBytes(t, fr.data)
		}
		index[i] = pos >> indexShift
		if fr.stored {
			index[i] |= cisoStoredFlag
		}
		data.Write(payload)
		pos += uint32(len(payload))
		if pad := (align - pos%align) % align; pad > 0 {
			data.Write(make([]byte, pad))
			pos += pad
		}
	}
	index[len(frames)] = pos >> indexShift

	var buf bytes.Buffer
	hdr := cisoHeader{
		HeaderSize: 0x18,
		TotalBytes: uint64(frameSize) * uint64(len(frames)),
		FrameSize:  frameSize,
		Version:    1,
		IndexShift: indexShift,
	}
	copy(hdr.Magic[:], "CISO")
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, hdr))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, index))
	buf.Write(make([]byte, int(dataStart)-buf.Len()))
	buf.Write(data.Bytes())
	return buf.Bytes()
}

// countingDecompressor wraps a Decompressor and counts invocations, making
// the frame cache observable.
type countingDecompressor struct {
	inner Decompressor
	calls int
}

func (c *countingDecompressor) Decompress(dst, src []byte) (int, error) {
	c.calls++
	return c.inner.Decompress(dst, src)
}

// fakeMAC hands back a fixed version key regardless of input.
type fakeMAC struct{ key []byte }

func (m fakeMAC) DeriveKey(data, storedMAC []byte) ([]byte, error) {
	return m.key, nil
}

// fakeCipher XORs every byte with a key derived from both session keys and
// the seed. XOR is its own inverse, so the image builder encrypts with the
// same transform the device uses to decrypt.
type fakeCipher struct{}

func (fakeCipher) Decrypt(headerKey, versionKey []byte, seed uint32, data []byte) error {
	k := headerKey[0] ^ versionKey[0] ^ byte(seed)
	for i := range data {
		data[i] ^= k
	}
	return nil
}

// fakeLZRC expands a payload whose first byte is a fill value into a full
// unit of that value.
type fakeLZRC struct{ calls int }

func (l *fakeLZRC) Decompress(dst, src []byte) (int, error) {
	l.calls++
	for i := range dst {
		dst[i] = src[0]
	}
	return len(dst), nil
}

// shortLZRC reports one byte fewer than requested, simulating a corrupt unit.
type shortLZRC struct{}

func (shortLZRC) Decompress(dst, src []byte) (int, error) {
	return len(dst) - 1, nil
}

var (
	testVersionKey = bytes.Repeat([]byte{0x22}, 16)
	testHeaderKey  = bytes.Repeat([]byte{0x11}, 16)
)

// npdrmUnit is one storage unit of a synthetic NPDRM image.
type npdrmUnit struct {
	raw      []byte // unitSize bytes stored as one raw unit
	payload  []byte // compressed unit: on-disk payload (first byte = fakeLZRC fill value)
	plain    bool   // store without encryption (flags bit 2)
	sentinel bool   // unk != 0, no data written
	// truncate drops this many trailing payload bytes on disk. It only
	// shortens the file when this is the image's last data unit; later
	// payloads would otherwise backfill the span.
	truncate int
}

// buildNPDRM assembles a PBP container around the given storage units using
// the fake engines' conventions: header key 0x11.., version key 0x22..,
// XOR cipher seeded by offset>>4.
func buildNPDRM(t *testing.T, blockLBAs, lbaCount uint32, units []npdrmUnit) []byte {
	t.Helper()

	const psarOffset = 0x30
	unitSize := blockLBAs * BlockSize
	numUnits := int((lbaCount + blockLBAs - 1) / blockLBAs)
	require.Len(t, units, numUnits)

	hdr := make([]byte, npdrmHeaderSize)
	binary.LittleEndian.PutUint32(hdr[npdrmBlockLBAsPos:], blockLBAs)
	binary.LittleEndian.PutUint32(hdr[npdrmLBAStartPos:], 0)
	binary.LittleEndian.PutUint32(hdr[npdrmLBAEndPos:], lbaCount-1)
	binary.LittleEndian.PutUint32(hdr[npdrmTableOffPos:], npdrmHeaderSize)
	copy(hdr[npdrmHeaderKeyPos:], testHeaderKey)

	// The geometry fields live in the encrypted region; encrypt them the way
	// the device will decrypt them.
	require.NoError(t, fakeCipher{}.Decrypt(testHeaderKey, testVersionKey, 0, hdr[npdrmEncFrom:npdrmEncTo]))

	tableSize := numUnits * npdrmEntrySize
	dataOffset := uint32(npdrmHeaderSize + tableSize) // relative to psar

	table := make([]byte, tableSize)
	var data bytes.Buffer
	for i, u := range units {
		rec := table[i*npdrmEntrySize : (i+1)*npdrmEntrySize]
		for w := 0; w < 4; w++ {
			binary.LittleEndian.PutUint32(rec[w*4:], uint32(0xA0000000+i*4+w))
		}

		var offset, size, flags, unk uint32
		switch {
		case u.sentinel:
			unk = 1
		default:
			payload := u.raw
			if u.payload != nil {
				payload = u.payload
			} else {
				require.Len(t, u.raw, int(unitSize))
			}
			offset = dataOffset
			size = uint32(len(payload))
			if u.plain {
				flags |= npdrmFlagPlaintext
			}

			stored := append([]byte(nil), payload...)
			if !u.plain {
				require.NoError(t, fakeCipher{}.Decrypt(testHeaderKey, testVersionKey, offset>>4, stored))
			}
			if u.truncate > 0 {
				stored = stored[:len(stored)-u.truncate]
			}
			data.Write(stored)
			dataOffset += size
		}
		binary.LittleEndian.PutUint32(rec[16:], offset)
		binary.LittleEndian.PutUint32(rec[20:], size)
		binary.LittleEndian.PutUint32(rec[24:], flags)
		binary.LittleEndian.PutUint32(rec[28:], unk)

		// Scramble the payload words with the same XOR schedule the loader
		// undoes.
		k0 := binary.LittleEndian.Uint32(rec[0:]) ^ binary.LittleEndian.Uint32(rec[4:])
		k1 := binary.LittleEndian.Uint32(rec[4:]) ^ binary.LittleEndian.Uint32(rec[8:])
		k2 := binary.LittleEndian.Uint32(rec[0:]) ^ binary.LittleEndian.Uint32(rec[12:])
		k3 := binary.LittleEndian.Uint32(rec[8:]) ^ binary.LittleEndian.Uint32(rec[12:])
		binary.LittleEndian.PutUint32(rec[16:], offset^k3)
		binary.LittleEndian.PutUint32(rec[20:], size^k1)
		binary.LittleEndian.PutUint32(rec[24:], flags^k2)
		binary.LittleEndian.PutUint32(rec[28:], unk^k0)
	}

	var img bytes.Buffer
	img.Write(pbpMagic)
	img.Write(make([]byte, npdrmPSAROffsetPos-4))
	require.NoError(t, binary.Write(&img, binary.LittleEndian, uint32(psarOffset)))
	img.Write(make([]byte, psarOffset-img.Len()))
	img.Write(hdr)
	img.Write(table)
	img.Write(data.Bytes())
	return img.Bytes()
}

// npdrmOptions returns the fake engine set used by the synthetic images.
func npdrmOptions(lzrc LZRCDecompressor) []Option {
	return []Option{
		WithMAC(fakeMAC{key: testVersionKey}),
		WithCipher(fakeCipher{}),
		WithLZRC(lzrc),
	}
}
