package readers

import (
	"io"

	"github.com/klauspost/compress/zstd"
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

type ZstdDriver struct{}

func (ZstdDriver) Name() string {
	return "zstd"
}

func (ZstdDriver) Identify(path string) bool {
	return hasMagic(path, zstdMagic)
}

func (ZstdDriver) Open(path string) (Filter, error) {
	return openCompressed(path, "zstd", nil, func(r io.Reader) (io.ReadCloser, error) {
		decoder, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		return decoder.IOReadCloser(), nil
	})
}
