package readers

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/exp/mmap"

	"github.com/aarsakian/MediaImageForensics/errno"
	"github.com/aarsakian/MediaImageForensics/utils"
)

const (
	appleSingleMagic uint32 = 0x00051600
	appleDoubleMagic uint32 = 0x00051607

	entryDataFork     uint32 = 1
	entryResourceFork uint32 = 2
	entryFileDates    uint32 = 8
)

// seconds between the Unix epoch and 2000-01-01, the AppleSingle epoch
const appleSingleEpoch = 946684800

type appleHeader struct {
	Magic   uint32
	Version uint32
	Filler  [16]byte
	Entries uint16
}

type appleEntry struct {
	ID     uint32
	Offset uint32
	Length uint32
}

type appleDates struct {
	Creation     int32
	Modification int32
	Backup       int32
	Access       int32
}

type appleContainer struct {
	entries map[uint32]appleEntry
	created time.Time
	written time.Time
}

func parseAppleContainer(source io.ReaderAt, size int64, magic uint32) (*appleContainer, error) {
	head := make([]byte, 26)
	if _, err := source.ReadAt(head, 0); err != nil {
		return nil, err
	}
	var header appleHeader
	if _, err := utils.UnmarshalBE(head, &header); err != nil {
		return nil, err
	}
	if header.Magic != magic || (header.Version != 0x00010000 && header.Version != 0x00020000) {
		return nil, errno.InvalidData
	}

	table := make([]byte, int(header.Entries)*12)
	if _, err := source.ReadAt(table, 26); err != nil {
		return nil, err
	}
	container := &appleContainer{entries: make(map[uint32]appleEntry)}
	for idx := 0; idx < int(header.Entries); idx++ {
		var entry appleEntry
		if _, err := utils.UnmarshalBE(table[idx*12:], &entry); err != nil {
			return nil, err
		}
		if int64(entry.Offset)+int64(entry.Length) > size {
			return nil, fmt.Errorf("entry %d beyond end of container: %w", entry.ID, errno.InvalidData)
		}
		container.entries[entry.ID] = entry
	}

	if datesEntry, ok := container.entries[entryFileDates]; ok && datesEntry.Length >= 16 {
		raw := make([]byte, 16)
		if _, err := source.ReadAt(raw, int64(datesEntry.Offset)); err == nil {
			var dates appleDates
			if _, err := utils.UnmarshalBE(raw, &dates); err == nil {
				container.created = time.Unix(int64(dates.Creation)+appleSingleEpoch, 0).UTC()
				container.written = time.Unix(int64(dates.Modification)+appleSingleEpoch, 0).UTC()
			}
		}
	}
	return container, nil
}

func (container *appleContainer) section(source io.ReaderAt, id uint32) *io.SectionReader {
	entry, ok := container.entries[id]
	if !ok {
		return nil
	}
	return io.NewSectionReader(source, int64(entry.Offset), int64(entry.Length))
}

func magicAt(path string) uint32 {
	head := sniff(path, 4)
	if len(head) < 4 {
		return 0
	}
	return uint32(head[0])<<24 | uint32(head[1])<<16 | uint32(head[2])<<8 | uint32(head[3])
}

// forkFilter serves a data fork and an optional resource fork that may live in
// different mapped files.
type forkFilter struct {
	fileTimes
	name     string
	mapped   []*mmap.ReaderAt
	data     *io.SectionReader
	resource *io.SectionReader
}

func (filter *forkFilter) Name() string {
	return filter.name
}

func (filter *forkFilter) DataStream() Stream {
	return filter.data
}

func (filter *forkFilter) ResourceStream() Stream {
	if filter.resource == nil {
		return nil
	}
	return filter.resource
}

func (filter *forkFilter) Length() int64 {
	if filter.data == nil {
		return 0
	}
	return filter.data.Size()
}

func (filter *forkFilter) ResourceLength() int64 {
	if filter.resource == nil {
		return 0
	}
	return filter.resource.Size()
}

func (filter *forkFilter) Close() error {
	var err error
	for _, mapped := range filter.mapped {
		err = multierr.Append(err, mapped.Close())
	}
	return err
}

type AppleSingleDriver struct{}

func (AppleSingleDriver) Name() string {
	return "applesingle"
}

func (AppleSingleDriver) Identify(path string) bool {
	return magicAt(path) == appleSingleMagic
}

func (AppleSingleDriver) Open(path string) (Filter, error) {
	times, err := statTimes(path)
	if err != nil {
		return nil, err
	}
	mapped, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	container, err := parseAppleContainer(mapped, int64(mapped.Len()), appleSingleMagic)
	if err != nil {
		mapped.Close()
		return nil, err
	}
	if !container.created.IsZero() {
		times.created, times.modified = container.created, container.written
	}
	data := container.section(mapped, entryDataFork)
	if data == nil {
		data = io.NewSectionReader(mapped, 0, 0)
	}
	return &forkFilter{fileTimes: times, name: "applesingle", mapped: []*mmap.ReaderAt{mapped},
		data: data, resource: container.section(mapped, entryResourceFork)}, nil
}

// AppleDoubleDriver pairs a plain file with the ._name companion holding its
// resource fork.
type AppleDoubleDriver struct{}

func (AppleDoubleDriver) Name() string {
	return "appledouble"
}

func companionPath(path string) string {
	return filepath.Join(filepath.Dir(path), "._"+filepath.Base(path))
}

func (AppleDoubleDriver) Identify(path string) bool {
	if info, err := os.Stat(path); err != nil || !info.Mode().IsRegular() {
		return false
	}
	return magicAt(companionPath(path)) == appleDoubleMagic
}

func (AppleDoubleDriver) Open(path string) (Filter, error) {
	times, err := statTimes(path)
	if err != nil {
		return nil, err
	}
	dataMap, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	sidecar, err := mmap.Open(companionPath(path))
	if err != nil {
		dataMap.Close()
		return nil, err
	}
	container, err := parseAppleContainer(sidecar, int64(sidecar.Len()), appleDoubleMagic)
	if err != nil {
		return nil, multierr.Combine(err, dataMap.Close(), sidecar.Close())
	}
	if !container.created.IsZero() {
		times.created = container.created
	}
	return &forkFilter{fileTimes: times, name: "appledouble", mapped: []*mmap.ReaderAt{dataMap, sidecar},
		data:     io.NewSectionReader(dataMap, 0, int64(dataMap.Len())),
		resource: container.section(sidecar, entryResourceFork)}, nil
}
