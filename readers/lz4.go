package readers

import (
	"io"

	"github.com/pierrec/lz4/v4"
)

var lz4Magic = []byte{0x04, 0x22, 0x4d, 0x18}

type LZ4Driver struct{}

func (LZ4Driver) Name() string {
	return "lz4"
}

func (LZ4Driver) Identify(path string) bool {
	return hasMagic(path, lz4Magic)
}

func (LZ4Driver) Open(path string) (Filter, error) {
	return openCompressed(path, "lz4", nil, func(r io.Reader) (io.ReadCloser, error) {
		return io.NopCloser(lz4.NewReader(r)), nil
	})
}
