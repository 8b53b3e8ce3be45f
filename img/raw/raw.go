// Package raw reads and writes flat sector dumps.
package raw

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"

	"github.com/aarsakian/MediaImageForensics/errno"
	"github.com/aarsakian/MediaImageForensics/img"
	"github.com/aarsakian/MediaImageForensics/logger"
	"github.com/aarsakian/MediaImageForensics/readers"
	"github.com/aarsakian/MediaImageForensics/utils"
)

var opticalExtensions = map[string]bool{".iso": true, ".cdr": true, ".toast": true}

type Image struct {
	stream   readers.Stream
	file     *os.File // set when created for writing
	info     img.ImageInfo
	geometry img.Geometry
}

func (image *Image) Name() string {
	return "raw"
}

func sectorSizeFor(filename string) uint32 {
	if opticalExtensions[strings.ToLower(filepath.Ext(filename))] {
		return 2048
	}
	return 512
}

func (image *Image) Identify(filter readers.Filter) bool {
	length := filter.Length()
	if length <= 0 {
		return false
	}
	ext := strings.ToLower(filepath.Ext(filter.Filename()))
	if ext == ".bin" && length%2352 == 0 {
		// raw CD dumps need their cue sheet
		return false
	}
	return length%int64(sectorSizeFor(filter.Filename())) == 0
}

func (image *Image) Open(filter readers.Filter) error {
	if !image.Identify(filter) {
		return errno.Errorf(errno.InvalidArgument, "%s is not a flat image", filter.Filename())
	}
	sectorSize := sectorSizeFor(filter.Filename())
	image.stream = filter.DataStream()
	image.info = img.ImageInfo{
		Sectors:              uint64(filter.Length()) / uint64(sectorSize),
		SectorSize:           sectorSize,
		MediaType:            img.MediaTypeFromSize(filter.Length()),
		CreationTime:         filter.CreationTime(),
		LastModificationTime: filter.LastWriteTime(),
		ImageSize:            uint64(filter.Length()),
	}
	if sectorSize == 2048 {
		image.info.MediaType = img.CDROM
	}
	img.GuessGeometry(&image.info)
	logger.MILogger.Infof("raw: %s holds %d sectors of %d bytes", filter.Filename(), image.info.Sectors, sectorSize)
	return nil
}

func (image *Image) Info() img.ImageInfo {
	return image.info
}

func (image *Image) ReadSector(addr uint64) ([]byte, error) {
	return image.ReadSectors(addr, 1)
}

func (image *Image) ReadSectors(addr uint64, count uint32) ([]byte, error) {
	if err := img.CheckRange(image.info, addr, count); err != nil {
		return nil, err
	}
	data := make([]byte, uint64(count)*uint64(image.info.SectorSize))
	if _, err := image.stream.ReadAt(data, int64(addr)*int64(image.info.SectorSize)); err != nil {
		msg := fmt.Sprintf("raw read: sector %d count %d: %v", addr, count, err)
		logger.MILogger.Error(msg)
		return nil, fmt.Errorf("%s: %w", msg, errno.InOutError)
	}
	return data, nil
}

func (image *Image) ReadSectorTag(addr uint64, tag img.SectorTag) ([]byte, error) {
	return nil, errno.NotSupported
}

func (image *Image) ReadMediaTag(tag img.MediaTag) ([]byte, error) {
	return nil, errno.NotSupported
}

// Create allocates a sparse file of sectors*sectorSize bytes and holds an
// exclusive lock on it until Close.
func (image *Image) Create(path string, mediaType img.MediaType, options map[string]string, sectors uint64, sectorSize uint32) error {
	if sectors == 0 || sectorSize == 0 || sectorSize%128 != 0 {
		return errno.InvalidArgument
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := utils.LockFile(file); err != nil {
		file.Close()
		return fmt.Errorf("locking %s: %v: %w", path, err, errno.AccessDenied)
	}
	if err := file.Truncate(int64(sectors) * int64(sectorSize)); err != nil {
		return multierr.Combine(err, utils.UnlockFile(file), file.Close())
	}
	image.file = file
	image.stream = file
	image.info = img.ImageInfo{Sectors: sectors, SectorSize: sectorSize, MediaType: mediaType,
		ImageSize: sectors * uint64(sectorSize), Application: options["application"], Creator: options["creator"]}
	return nil
}

func (image *Image) WriteSector(data []byte, addr uint64) error {
	return image.WriteSectors(data, addr, 1)
}

func (image *Image) WriteSectors(data []byte, addr uint64, count uint32) error {
	if image.file == nil {
		return errno.Errorf(errno.AccessDenied, "image not opened for writing")
	}
	if uint64(len(data)) != uint64(count)*uint64(image.info.SectorSize) {
		return errno.Errorf(errno.InvalidArgument, "%d bytes for %d sectors", len(data), count)
	}
	if err := img.CheckRange(image.info, addr, count); err != nil {
		return err
	}
	image.geometry.Written()
	if _, err := image.file.WriteAt(data, int64(addr)*int64(image.info.SectorSize)); err != nil {
		return fmt.Errorf("raw write: %v: %w", err, errno.InOutError)
	}
	return nil
}

func (image *Image) SetGeometry(cylinders, heads, sectorsPerTrack uint32) error {
	return image.geometry.Set(&image.info, cylinders, heads, sectorsPerTrack)
}

// Close releases the lock and the file of a created image. Opened images do
// not own their filter.
func (image *Image) Close() error {
	image.stream = nil
	if image.file == nil {
		return nil
	}
	file := image.file
	image.file = nil
	return multierr.Combine(file.Sync(), utils.UnlockFile(file), file.Close())
}
