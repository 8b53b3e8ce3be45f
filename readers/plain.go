package readers

import (
	"io"
	"os"

	"golang.org/x/exp/mmap"
)

type PlainDriver struct{}

func (PlainDriver) Name() string {
	return "plain"
}

func (PlainDriver) Identify(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func (PlainDriver) Open(path string) (Filter, error) {
	times, err := statTimes(path)
	if err != nil {
		return nil, err
	}
	mapped, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	return &PlainFilter{fileTimes: times, mapped: mapped,
		stream: io.NewSectionReader(mapped, 0, int64(mapped.Len()))}, nil
}

// PlainFilter exposes a regular file through a read-only memory mapping.
type PlainFilter struct {
	fileTimes
	mapped *mmap.ReaderAt
	stream *io.SectionReader
}

func (filter *PlainFilter) Name() string {
	return "plain"
}

func (filter *PlainFilter) DataStream() Stream {
	return filter.stream
}

func (filter *PlainFilter) ResourceStream() Stream {
	return nil
}

func (filter *PlainFilter) Length() int64 {
	return int64(filter.mapped.Len())
}

func (filter *PlainFilter) ResourceLength() int64 {
	return 0
}

func (filter *PlainFilter) Close() error {
	return filter.mapped.Close()
}
