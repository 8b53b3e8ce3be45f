package readers

import (
	"bytes"
	"time"
)

// MemoryFilter serves a byte slice already held by the caller.
type MemoryFilter struct {
	name     string
	data     *bytes.Reader
	resource *bytes.Reader
	length   int64
	resLen   int64
	modified time.Time
}

func NewMemoryFilter(name string, data []byte) *MemoryFilter {
	return &MemoryFilter{name: name, data: bytes.NewReader(data), length: int64(len(data)), modified: time.Now()}
}

// WithResourceFork attaches a second fork.
func (filter *MemoryFilter) WithResourceFork(resource []byte) *MemoryFilter {
	filter.resource = bytes.NewReader(resource)
	filter.resLen = int64(len(resource))
	return filter
}

func (filter *MemoryFilter) Name() string {
	return "memory"
}

func (filter *MemoryFilter) Path() string {
	return filter.name
}

func (filter *MemoryFilter) Filename() string {
	return filter.name
}

func (filter *MemoryFilter) DataStream() Stream {
	return filter.data
}

func (filter *MemoryFilter) ResourceStream() Stream {
	if filter.resource == nil {
		return nil
	}
	return filter.resource
}

func (filter *MemoryFilter) Length() int64 {
	return filter.length
}

func (filter *MemoryFilter) ResourceLength() int64 {
	return filter.resLen
}

func (filter *MemoryFilter) CreationTime() time.Time {
	return filter.modified
}

func (filter *MemoryFilter) LastWriteTime() time.Time {
	return filter.modified
}

func (filter *MemoryFilter) Close() error {
	return nil
}
