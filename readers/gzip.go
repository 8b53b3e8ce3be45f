package readers

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
)

var gzipMagic = []byte{0x1f, 0x8b, 0x08}

type GzipDriver struct{}

func (GzipDriver) Name() string {
	return "gzip"
}

func (GzipDriver) Identify(path string) bool {
	return hasMagic(path, gzipMagic)
}

func (GzipDriver) Open(path string) (Filter, error) {
	return openCompressed(path, "gzip", gzipLength, func(r io.Reader) (io.ReadCloser, error) {
		return gzip.NewReader(r)
	})
}

// gzipLength reads ISIZE from the member trailer; it is the length modulo
// 2^32 so only trust it when it is not smaller than the compressed payload
// would allow.
func gzipLength(source *os.File, size int64) int64 {
	if size < 18 {
		return 0
	}
	trailer := make([]byte, 4)
	if _, err := source.ReadAt(trailer, size-4); err != nil {
		return 0
	}
	isize := int64(binary.LittleEndian.Uint32(trailer))
	if size > 1<<32 {
		return 0
	}
	return isize
}
