// Package ewf exposes Expert Witness (E01) evidence files as a read only
// sector image.
package ewf

import (
	"bytes"
	"path/filepath"
	"strings"

	ewfLib "github.com/aarsakian/EWF_Reader/ewf"
	ewfutils "github.com/aarsakian/EWF_Reader/ewf/utils"

	"github.com/aarsakian/MediaImageForensics/errno"
	"github.com/aarsakian/MediaImageForensics/img"
	"github.com/aarsakian/MediaImageForensics/logger"
	"github.com/aarsakian/MediaImageForensics/readers"
)

const sectorSize = 512

var signature = []byte{'E', 'V', 'F', 0x09, 0x0D, 0x0A, 0xFF, 0x00}

type Image struct {
	fd   ewfLib.EWF_Image
	info img.ImageInfo
	open bool
}

func (image *Image) Name() string {
	return "ewf"
}

func (image *Image) Identify(filter readers.Filter) bool {
	if filter.Length() < int64(len(signature)) {
		return false
	}
	head := make([]byte, len(signature))
	if _, err := filter.DataStream().ReadAt(head, 0); err != nil {
		return false
	}
	return bytes.Equal(head, signature)
}

// Open lets the EWF library locate and parse the whole segment set
// (E01, E02, ...) next to the first segment.
func (image *Image) Open(filter readers.Filter) (err error) {
	defer errno.Recover(&err)
	if !image.Identify(filter) {
		return errno.Errorf(errno.InvalidArgument, "%s is not an EWF segment", filter.Filename())
	}
	if strings.ToLower(filepath.Ext(filter.Path())) != ".e01" {
		return errno.Errorf(errno.NotSupported, "open the first segment (.E01) of the set")
	}
	var ewfImage ewfLib.EWF_Image
	filenames := ewfutils.FindEvidenceFiles(filter.Path())
	ewfImage.ParseEvidence(filenames)

	size := int64(ewfImage.Chunksize) * int64(ewfImage.NofChunks)
	if size <= 0 {
		return errno.Errorf(errno.InvalidData, "EWF set reports no media data")
	}
	image.fd = ewfImage
	image.open = true
	image.info = img.ImageInfo{
		Sectors:              uint64(size) / sectorSize,
		SectorSize:           sectorSize,
		MediaType:            img.GENERIC_HDD,
		CreationTime:         filter.CreationTime(),
		LastModificationTime: filter.LastWriteTime(),
		ImageSize:            uint64(size),
		HasPartitions:        true,
	}
	img.GuessGeometry(&image.info)
	logger.MILogger.Infof("ewf: %d segments, %d sectors", len(filenames), image.info.Sectors)
	return nil
}

func (image *Image) Info() img.ImageInfo {
	return image.info
}

func (image *Image) ReadSector(addr uint64) ([]byte, error) {
	return image.ReadSectors(addr, 1)
}

func (image *Image) ReadSectors(addr uint64, count uint32) (data []byte, err error) {
	defer errno.Recover(&err)
	if !image.open {
		return nil, errno.AccessDenied
	}
	if err := img.CheckRange(image.info, addr, count); err != nil {
		return nil, err
	}
	length := int64(count) * sectorSize
	data = image.fd.RetrieveData(int64(addr)*sectorSize, length)
	if int64(len(data)) < length {
		return nil, errno.Errorf(errno.InOutError, "EWF returned %d of %d bytes at sector %d", len(data), length, addr)
	}
	return data[:length], nil
}

func (image *Image) ReadSectorTag(addr uint64, tag img.SectorTag) ([]byte, error) {
	return nil, errno.NotSupported
}

func (image *Image) ReadMediaTag(tag img.MediaTag) ([]byte, error) {
	return nil, errno.NotSupported
}

func (image *Image) Close() error {
	image.fd = ewfLib.EWF_Image{}
	image.open = false
	return nil
}
