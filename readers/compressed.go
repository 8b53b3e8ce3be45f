package readers

import (
	"io"
	"os"

	"go.uber.org/multierr"

	"github.com/aarsakian/MediaImageForensics/logger"
)

// compressedFilter is shared by every single-stream decompressing filter.
type compressedFilter struct {
	fileTimes
	name   string
	source *os.File
	stream *ForcedSeekStream
}

func openCompressed(path string, name string, length func(*os.File, int64) int64,
	decoder func(io.Reader) (io.ReadCloser, error)) (Filter, error) {
	times, err := statTimes(path)
	if err != nil {
		return nil, err
	}
	source, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := source.Stat()
	if err != nil {
		source.Close()
		return nil, err
	}
	size := info.Size()

	decompressed := int64(0)
	if length != nil {
		decompressed = length(source, size)
	}
	if decompressed == 0 {
		logger.MILogger.Infof("%s: decompressed length of %s unknown, computing lazily", name, path)
	}

	open := func() (io.ReadCloser, error) {
		return decoder(io.NewSectionReader(source, 0, size))
	}
	// fail early on a stream whose header cannot even be decoded
	probe, err := open()
	if err != nil {
		source.Close()
		return nil, err
	}
	probe.Close()

	return &compressedFilter{fileTimes: times, name: name, source: source,
		stream: NewForcedSeekStream(decompressed, open)}, nil
}

func (filter *compressedFilter) Name() string {
	return filter.name
}

func (filter *compressedFilter) DataStream() Stream {
	return filter.stream
}

func (filter *compressedFilter) ResourceStream() Stream {
	return nil
}

// Length is zero when the decompressed size cannot be determined.
func (filter *compressedFilter) Length() int64 {
	length, err := filter.stream.Length()
	if err != nil {
		logger.MILogger.Error(err)
		return 0
	}
	return length
}

func (filter *compressedFilter) ResourceLength() int64 {
	return 0
}

func (filter *compressedFilter) Close() error {
	return multierr.Combine(filter.stream.Close(), filter.source.Close())
}

func hasMagic(path string, magic []byte) bool {
	head := sniff(path, len(magic))
	if len(head) < len(magic) {
		return false
	}
	for idx := range magic {
		if head[idx] != magic[idx] {
			return false
		}
	}
	return true
}
