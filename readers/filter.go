package readers

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aarsakian/MediaImageForensics/errno"
	"github.com/aarsakian/MediaImageForensics/logger"
)

// Stream is the random access view every filter hands to image drivers.
type Stream interface {
	io.Reader
	io.Seeker
	io.ReaderAt
}

// Filter is an opened byte source. The resource stream is nil for sources
// without a second fork.
type Filter interface {
	Name() string
	Path() string
	Filename() string
	DataStream() Stream
	ResourceStream() Stream
	Length() int64
	ResourceLength() int64
	CreationTime() time.Time
	LastWriteTime() time.Time
	Close() error
}

// FilterDriver recognises and opens one kind of byte source. Identify must be
// cheap and must not keep anything open.
type FilterDriver interface {
	Name() string
	Identify(path string) bool
	Open(path string) (Filter, error)
}

// Drivers is probed in order; the plain driver accepts anything readable and
// therefore comes last.
var Drivers = []FilterDriver{
	XZDriver{},
	ZstdDriver{},
	GzipDriver{},
	LZ4Driver{},
	AppleSingleDriver{},
	AppleDoubleDriver{},
	PlainDriver{},
}

func GetFilter(path string) (Filter, error) {
	for _, driver := range Drivers {
		if !driver.Identify(path) {
			continue
		}
		filter, err := driver.Open(path)
		if err != nil {
			logger.MILogger.Warningf("filter %s identified %s but failed to open: %v", driver.Name(), path, err)
			continue
		}
		logger.MILogger.Infof("opened %s through filter %s", path, driver.Name())
		return filter, nil
	}
	return nil, fmt.Errorf("no filter could open %s: %w", path, errno.NotSupported)
}

type fileTimes struct {
	path     string
	created  time.Time
	modified time.Time
}

func statTimes(path string) (fileTimes, error) {
	info, err := os.Stat(path)
	if err != nil {
		return fileTimes{}, err
	}
	return fileTimes{path: path, created: info.ModTime(), modified: info.ModTime()}, nil
}

func (times fileTimes) Path() string {
	return times.path
}

func (times fileTimes) Filename() string {
	return filepath.Base(times.path)
}

func (times fileTimes) CreationTime() time.Time {
	return times.created
}

func (times fileTimes) LastWriteTime() time.Time {
	return times.modified
}

// sniff reads the first n bytes of path. It never fails loudly.
func sniff(path string, n int) []byte {
	file, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer file.Close()
	buf := make([]byte, n)
	read, _ := io.ReadFull(file, buf)
	return buf[:read]
}
