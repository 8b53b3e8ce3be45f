// Package img defines the media image contracts: every container format is
// exposed as a dense range of fixed size logical sectors.
package img

import (
	"iter"
	"time"

	"github.com/aarsakian/MediaImageForensics/errno"
	"github.com/aarsakian/MediaImageForensics/readers"
)

type ImageInfo struct {
	Sectors              uint64
	SectorSize           uint32
	MediaType            MediaType
	Cylinders            uint32
	Heads                uint32
	SectorsPerTrack      uint32
	CreationTime         time.Time
	LastModificationTime time.Time
	Creator              string
	Application          string
	ApplicationVersion   string
	Comments             string
	DriveManufacturer    string
	DriveModel           string
	DriveSerialNumber    string
	MediaTitle           string
	HasPartitions        bool
	HasSessions          bool
	ImageSize            uint64 // bytes of user data held by the container
}

type MediaImage interface {
	Name() string
	Identify(filter readers.Filter) bool
	Open(filter readers.Filter) error
	Info() ImageInfo
	ReadSector(addr uint64) ([]byte, error)
	ReadSectors(addr uint64, count uint32) ([]byte, error)
	ReadSectorTag(addr uint64, tag SectorTag) ([]byte, error)
	ReadMediaTag(tag MediaTag) ([]byte, error)
	Close() error
}

// OpticalImage is implemented by track based images.
type OpticalImage interface {
	MediaImage
	Tracks() []Track
	Sessions() []Session
	ReadSectorLong(addr uint64) ([]byte, error)
	ReadSectorsLong(addr uint64, count uint32) ([]byte, error)
	ReadSectorInTrack(addr uint64, track uint32) ([]byte, error)
	SupportedSectorTags(track uint32) []SectorTag
}

type WritableImage interface {
	MediaImage
	Create(path string, mediaType MediaType, options map[string]string, sectors uint64, sectorSize uint32) error
	WriteSector(data []byte, addr uint64) error
	WriteSectors(data []byte, addr uint64, count uint32) error
	SetGeometry(cylinders, heads, sectorsPerTrack uint32) error
}

// FluxImage is implemented by flux captures. Their sector methods return
// errno.NotImplemented.
type FluxImage interface {
	MediaImage
	CaptureCount(head uint32, track uint16, subTrack byte) (uint32, error)
	ReadFluxDataCapture(head uint32, track uint16, subTrack byte, capture uint32) (uint64, iter.Seq[uint64], error)
	ReadFluxIndexCapture(head uint32, track uint16, subTrack byte, capture uint32) (uint64, iter.Seq[uint64], error)
	ReadFluxCapture(head uint32, track uint16, subTrack byte, capture uint32) (uint64, uint64, iter.Seq[uint64], iter.Seq[uint64], error)
}

// CheckRange rejects any read of count sectors at addr that does not fit in
// the image, including wrap-around.
func CheckRange(info ImageInfo, addr uint64, count uint32) error {
	if count == 0 {
		return errno.Errorf(errno.InvalidArgument, "zero sector count")
	}
	end := addr + uint64(count)
	if end < addr || addr >= info.Sectors || end > info.Sectors {
		return errno.Errorf(errno.OutOfRange, "sectors %d+%d beyond %d", addr, count, info.Sectors)
	}
	return nil
}

// Geometry tracks the set-once rule shared by writable images.
type Geometry struct {
	set     bool
	written bool
}

// Set returns AccessDenied once geometry was set or data written.
func (geometry *Geometry) Set(info *ImageInfo, cylinders, heads, sectorsPerTrack uint32) error {
	if geometry.set || geometry.written {
		return errno.Errorf(errno.AccessDenied, "geometry is fixed")
	}
	if cylinders == 0 || heads == 0 || sectorsPerTrack == 0 {
		return errno.InvalidArgument
	}
	info.Cylinders, info.Heads, info.SectorsPerTrack = cylinders, heads, sectorsPerTrack
	geometry.set = true
	return nil
}

// Written records the first write.
func (geometry *Geometry) Written() {
	geometry.written = true
}

// GuessGeometry fills the usual CHS triple for images that carry none.
func GuessGeometry(info *ImageInfo) {
	if info.Cylinders != 0 {
		return
	}
	if geometry, ok := floppyGeometry[info.MediaType]; ok {
		info.Cylinders, info.Heads, info.SectorsPerTrack = geometry[0], geometry[1], geometry[2]
		return
	}
	info.Heads, info.SectorsPerTrack = 16, 63
	info.Cylinders = uint32(info.Sectors / (16 * 63))
}
