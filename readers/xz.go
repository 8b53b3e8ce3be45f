package readers

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"

	"github.com/ulikunitz/xz"
)

var (
	xzMagic       = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	xzFooterMagic = []byte{'Y', 'Z'}
)

const (
	xzHeaderSize = 12
	xzFooterSize = 12
)

var errXZIndex = errors.New("malformed xz index")

type XZDriver struct{}

func (XZDriver) Name() string {
	return "xz"
}

func (XZDriver) Identify(path string) bool {
	return hasMagic(path, xzMagic)
}

func (XZDriver) Open(path string) (Filter, error) {
	return openCompressed(path, "xz", xzLength, func(r io.Reader) (io.ReadCloser, error) {
		reader, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(reader), nil
	})
}

func xzLength(source *os.File, size int64) int64 {
	length, err := XZUncompressedSize(source, size)
	if err != nil {
		return 0
	}
	return length
}

// XZUncompressedSize walks the streams of an xz file backwards, from each
// stream footer to its index, and sums the uncompressed sizes recorded there.
// Nothing is decompressed.
func XZUncompressedSize(source io.ReaderAt, size int64) (int64, error) {
	var total int64
	end := size
	for end > 0 {
		// stream padding is a multiple of four zero bytes
		for end >= 4 {
			pad := make([]byte, 4)
			if _, err := source.ReadAt(pad, end-4); err != nil {
				return 0, err
			}
			if !bytes.Equal(pad, []byte{0, 0, 0, 0}) {
				break
			}
			end -= 4
		}
		if end < xzHeaderSize+xzFooterSize {
			return 0, errXZIndex
		}

		footer := make([]byte, xzFooterSize)
		if _, err := source.ReadAt(footer, end-xzFooterSize); err != nil {
			return 0, err
		}
		if !bytes.Equal(footer[10:12], xzFooterMagic) {
			return 0, errXZIndex
		}
		indexSize := (int64(binary.LittleEndian.Uint32(footer[4:8])) + 1) * 4
		indexStart := end - xzFooterSize - indexSize
		if indexStart < xzHeaderSize {
			return 0, errXZIndex
		}
		index := make([]byte, indexSize)
		if _, err := source.ReadAt(index, indexStart); err != nil {
			return 0, err
		}

		blocksSize, uncompressed, err := decodeXZIndex(index)
		if err != nil {
			return 0, err
		}
		total += uncompressed

		streamStart := indexStart - blocksSize - xzHeaderSize
		if streamStart < 0 {
			return 0, errXZIndex
		}
		header := make([]byte, len(xzMagic))
		if _, err := source.ReadAt(header, streamStart); err != nil {
			return 0, err
		}
		if !bytes.Equal(header, xzMagic) {
			return 0, errXZIndex
		}
		end = streamStart
	}
	return total, nil
}

// decodeXZIndex returns the padded size of all blocks and the sum of their
// uncompressed sizes.
func decodeXZIndex(index []byte) (int64, int64, error) {
	if len(index) == 0 || index[0] != 0x00 {
		return 0, 0, errXZIndex
	}
	pos := 1
	records, n := readXZVarint(index[pos:])
	if n == 0 {
		return 0, 0, errXZIndex
	}
	pos += n

	var blocks, uncompressed int64
	for record := uint64(0); record < records; record++ {
		unpadded, n := readXZVarint(index[pos:])
		if n == 0 || unpadded == 0 {
			return 0, 0, errXZIndex
		}
		pos += n
		size, n := readXZVarint(index[pos:])
		if n == 0 {
			return 0, 0, errXZIndex
		}
		pos += n
		blocks += int64((unpadded + 3) &^ 3)
		uncompressed += int64(size)
	}
	return blocks, uncompressed, nil
}

// readXZVarint decodes the xz multibyte integer, returning zero bytes
// consumed on a malformed encoding.
func readXZVarint(buf []byte) (uint64, int) {
	var value uint64
	for idx := 0; idx < len(buf) && idx < 9; idx++ {
		value |= uint64(buf[idx]&0x7F) << (7 * idx)
		if buf[idx]&0x80 == 0 {
			if idx > 0 && buf[idx] == 0 {
				return 0, 0
			}
			return value, idx + 1
		}
	}
	return 0, 0
}
