// Package vmdk reads VMware hosted sparse extents: monolithic sparse disks
// and stream optimized exports with deflate compressed grains.
package vmdk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"regexp"

	"github.com/aarsakian/VMDK_Reader/extent"
	lru "github.com/hashicorp/golang-lru/arc/v2"
	"github.com/klauspost/compress/zlib"

	"github.com/aarsakian/MediaImageForensics/errno"
	"github.com/aarsakian/MediaImageForensics/img"
	"github.com/aarsakian/MediaImageForensics/logger"
	"github.com/aarsakian/MediaImageForensics/readers"
	"github.com/aarsakian/MediaImageForensics/utils"
)

const (
	magic      = "KDMV"
	sectorSize = 512
	headerSize = 512
	// grain directory stored after the grains, found through the footer
	gdAtEnd extent.SectorType = 0xFFFFFFFFFFFFFFFF

	flagNewlineTest    = 1 << 0
	flagZeroGrainGTE   = 1 << 2
	flagCompressed     = 1 << 16
	flagMarkers        = 1 << 17
	compressionDeflate = 1

	markerHeaderSize = 12 // lba uint64 + size uint32 ahead of a compressed grain
	maxGrainSectors  = 2048
	maxGTEsPerGT     = 4096
	cacheBytes       = 16 * 1024 * 1024
)

var (
	createTypeLine = regexp.MustCompile(`(?m)^createType\s*=\s*"([^"]*)"`)
	parentLine     = regexp.MustCompile(`(?m)^parentFileNameHint\s*=`)
)

type Image struct {
	header     extent.SparseHeader
	stream     readers.Stream
	length     uint64
	grainBytes uint64
	tables     [][]uint32 // grain tables indexed by grain directory entry
	cache      *lru.ARCCache[uint32, []byte]
	info       img.ImageInfo
}

func (image *Image) Name() string {
	return "vmdk"
}

func decodeHeader(data []byte) extent.SparseHeader {
	le := binary.LittleEndian
	header := extent.SparseHeader{
		MagicNumber:        string(data[0:4]),
		Version:            le.Uint32(data[4:]),
		Flags:              le.Uint32(data[8:]),
		Capacity:           extent.SectorType(le.Uint64(data[12:])),
		GrainSize:          extent.SectorType(le.Uint64(data[20:])),
		DescriptorOffset:   extent.SectorType(le.Uint64(data[28:])),
		DescriptorSize:     extent.SectorType(le.Uint64(data[36:])),
		NumGTEsPerGT:       le.Uint32(data[44:]),
		RgdOffset:          extent.SectorType(le.Uint64(data[48:])),
		GdOffset:           extent.SectorType(le.Uint64(data[56:])),
		OverHead:           extent.SectorType(le.Uint64(data[64:])),
		UncleanShutdown:    data[72] != 0,
		SingleEndLineChar:  data[73],
		NonEndLineChar:     data[74],
		DoubleEndLineChar1: data[75],
		DoubleEndLineChar2: data[76],
		CompressAlgorithm:  le.Uint16(data[77:]),
	}
	copy(header.Pad[:], data[79:headerSize])
	return header
}

func readHeader(stream io.ReaderAt, offset int64) (extent.SparseHeader, error) {
	data := make([]byte, headerSize)
	if _, err := stream.ReadAt(data, offset); err != nil {
		return extent.SparseHeader{}, err
	}
	return decodeHeader(data), nil
}

func valid(header extent.SparseHeader) error {
	switch {
	case header.MagicNumber != magic:
		return errno.Errorf(errno.InvalidData, "magic %q", header.MagicNumber)
	case header.Version < 1 || header.Version > 3:
		return errno.Errorf(errno.InvalidData, "version %d", header.Version)
	case header.Capacity == 0:
		return errno.Errorf(errno.InvalidData, "zero capacity")
	case !utils.IsPowerOfTwo(uint64(header.GrainSize)) || header.GrainSize < 8 || header.GrainSize > maxGrainSectors:
		return errno.Errorf(errno.InvalidData, "grain of %d sectors", header.GrainSize)
	case header.NumGTEsPerGT == 0 || header.NumGTEsPerGT > maxGTEsPerGT:
		return errno.Errorf(errno.InvalidData, "%d entries per grain table", header.NumGTEsPerGT)
	}
	if header.Flags&flagNewlineTest != 0 && (header.SingleEndLineChar != '\n' || header.NonEndLineChar != ' ' ||
		header.DoubleEndLineChar1 != '\r' || header.DoubleEndLineChar2 != '\n') {
		return errno.Errorf(errno.InvalidData, "line end characters altered by a text mode transfer")
	}
	return nil
}

func (image *Image) Identify(filter readers.Filter) bool {
	if filter.Length() < headerSize {
		return false
	}
	header, err := readHeader(filter.DataStream(), 0)
	return err == nil && valid(header) == nil
}

func (image *Image) Open(filter readers.Filter) (err error) {
	defer errno.Recover(&err)

	stream, length := filter.DataStream(), uint64(filter.Length())
	if length < headerSize {
		return errno.Errorf(errno.InvalidData, "%d bytes", length)
	}
	header, err := readHeader(stream, 0)
	if err != nil {
		return fmt.Errorf("vmdk header: %v: %w", err, errno.InvalidData)
	}
	if err := valid(header); err != nil {
		return err
	}
	if header.GdOffset == gdAtEnd {
		// stream optimized: the footer, one sector before the end of stream
		// marker, carries the grain directory location
		if length < 3*headerSize {
			return errno.Errorf(errno.InvalidData, "no room for a footer")
		}
		footer, err := readHeader(stream, int64(length-2*headerSize))
		if err != nil {
			return fmt.Errorf("vmdk footer: %v: %w", err, errno.InvalidData)
		}
		if err := valid(footer); err != nil {
			return fmt.Errorf("vmdk footer: %w", err)
		}
		if footer.GdOffset == gdAtEnd {
			return errno.Errorf(errno.InvalidData, "footer without grain directory")
		}
		header.GdOffset = footer.GdOffset
	}
	if header.Flags&flagCompressed != 0 && header.CompressAlgorithm != compressionDeflate {
		return errno.Errorf(errno.NotSupported, "compression algorithm %d", header.CompressAlgorithm)
	}

	descriptor, err := readDescriptor(stream, length, header)
	if err != nil {
		return err
	}
	if parentLine.Match(descriptor) {
		return errno.Errorf(errno.NotSupported, "delta disks need their parent")
	}

	image.header, image.stream, image.length = header, stream, length
	image.grainBytes = uint64(header.GrainSize) * sectorSize
	if image.tables, err = image.readTables(); err != nil {
		return err
	}
	image.cache, err = lru.NewARC[uint32, []byte](max(1, int(cacheBytes/image.grainBytes)))
	if err != nil {
		return err
	}

	image.info = img.ImageInfo{
		Sectors:              uint64(header.Capacity),
		SectorSize:           sectorSize,
		MediaType:            img.GENERIC_HDD,
		CreationTime:         filter.CreationTime(),
		LastModificationTime: filter.LastWriteTime(),
		Application:          "VMware",
		ApplicationVersion:   fmt.Sprintf("%d", header.Version),
		ImageSize:            uint64(header.Capacity) * sectorSize,
	}
	if match := createTypeLine.FindSubmatch(descriptor); match != nil {
		image.info.Comments = "createType=" + string(match[1])
	}
	if header.UncleanShutdown {
		logger.MILogger.Warningf("vmdk %s was not closed cleanly", filter.Filename())
	}
	img.GuessGeometry(&image.info)
	logger.MILogger.Infof("vmdk: %d sectors, grains of %d sectors, %d grain tables, compressed %t",
		image.info.Sectors, header.GrainSize, len(image.tables), header.Flags&flagCompressed != 0)
	return nil
}

func readDescriptor(stream io.ReaderAt, length uint64, header extent.SparseHeader) ([]byte, error) {
	if header.DescriptorOffset == 0 || header.DescriptorSize == 0 {
		return nil, nil
	}
	offset, size := uint64(header.DescriptorOffset)*sectorSize, uint64(header.DescriptorSize)*sectorSize
	if offset+size > length {
		return nil, errno.Errorf(errno.InvalidData, "descriptor at %d beyond %d", offset, length)
	}
	data := make([]byte, size)
	if _, err := stream.ReadAt(data, int64(offset)); err != nil {
		return nil, fmt.Errorf("descriptor: %v: %w", err, errno.InOutError)
	}
	return bytes.TrimRight(data, "\x00"), nil
}

func (image *Image) readEntries(offset, entries uint64) ([]uint32, error) {
	if offset+entries*4 > image.length {
		return nil, errno.Errorf(errno.InvalidData, "table at %d with %d entries beyond %d", offset, entries, image.length)
	}
	raw := make([]byte, entries*4)
	if _, err := image.stream.ReadAt(raw, int64(offset)); err != nil {
		return nil, fmt.Errorf("%v: %w", err, errno.InOutError)
	}
	table := make([]uint32, entries)
	for idx := range table {
		table[idx] = binary.LittleEndian.Uint32(raw[idx*4:])
	}
	return table, nil
}

// readTables loads the grain directory and every grain table, checking that
// each allocated grain lies within the extent.
func (image *Image) readTables() ([][]uint32, error) {
	header := image.header
	coverage := uint64(header.NumGTEsPerGT) * uint64(header.GrainSize)
	gdEntries := (uint64(header.Capacity) + coverage - 1) / coverage
	directory, err := image.readEntries(uint64(header.GdOffset)*sectorSize, gdEntries)
	if err != nil {
		return nil, fmt.Errorf("grain directory: %w", err)
	}
	tables := make([][]uint32, gdEntries)
	for idx, gde := range directory {
		if gde == 0 {
			continue
		}
		table, err := image.readEntries(uint64(gde)*sectorSize, uint64(header.NumGTEsPerGT))
		if err != nil {
			return nil, fmt.Errorf("grain table %d: %w", idx, err)
		}
		for entryIdx, gte := range table {
			if err := image.checkEntry(gte); err != nil {
				return nil, fmt.Errorf("grain table %d entry %d: %w", idx, entryIdx, err)
			}
		}
		tables[idx] = table
	}
	return tables, nil
}

func (image *Image) zeroGrain(gte uint32) bool {
	return gte == 0 || gte == 1 && image.header.Flags&flagZeroGrainGTE != 0
}

func (image *Image) checkEntry(gte uint32) error {
	if image.zeroGrain(gte) {
		return nil
	}
	offset := uint64(gte) * sectorSize
	need := image.grainBytes
	if image.header.Flags&flagCompressed != 0 {
		need = markerHeaderSize
	}
	if offset >= image.length || image.length-offset < need {
		return errno.Errorf(errno.InvalidData, "grain at %d beyond %d", offset, image.length)
	}
	return nil
}

func (image *Image) Info() img.ImageInfo {
	return image.info
}

func (image *Image) grain(gte uint32) ([]byte, error) {
	if data, ok := image.cache.Get(gte); ok {
		return data, nil
	}
	data := make([]byte, image.grainBytes)
	offset := int64(gte) * sectorSize
	if image.header.Flags&flagCompressed != 0 {
		marker := make([]byte, markerHeaderSize)
		if _, err := image.stream.ReadAt(marker, offset); err != nil {
			return nil, fmt.Errorf("grain marker at %d: %v: %w", offset, err, errno.InOutError)
		}
		size := uint64(binary.LittleEndian.Uint32(marker[8:]))
		start := uint64(offset) + markerHeaderSize
		if start+size > image.length {
			return nil, errno.Errorf(errno.InvalidData, "compressed grain at %d overruns the extent", offset)
		}
		inflater, err := zlib.NewReader(io.NewSectionReader(image.stream, int64(start), int64(size)))
		if err != nil {
			return nil, fmt.Errorf("grain at %d: %v: %w", offset, err, errno.InvalidData)
		}
		defer inflater.Close()
		// the last grain of a disk may hold fewer sectors
		if _, err := io.ReadFull(inflater, data); err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("inflating grain at %d: %v: %w", offset, err, errno.InvalidData)
		}
	} else if _, err := image.stream.ReadAt(data, offset); err != nil {
		return nil, fmt.Errorf("grain at %d: %v: %w", offset, err, errno.InOutError)
	}
	image.cache.Add(gte, data)
	return data, nil
}

func (image *Image) ReadSector(addr uint64) ([]byte, error) {
	if err := img.CheckRange(image.info, addr, 1); err != nil {
		return nil, err
	}
	grainSectors := uint64(image.header.GrainSize)
	grainIdx := addr / grainSectors
	sector := make([]byte, sectorSize)
	table := image.tables[grainIdx/uint64(image.header.NumGTEsPerGT)]
	if table == nil {
		return sector, nil
	}
	gte := table[grainIdx%uint64(image.header.NumGTEsPerGT)]
	if image.zeroGrain(gte) {
		return sector, nil
	}
	data, err := image.grain(gte)
	if err != nil {
		return nil, err
	}
	start := (addr % grainSectors) * sectorSize
	copy(sector, data[start:start+sectorSize])
	return sector, nil
}

func (image *Image) ReadSectors(addr uint64, count uint32) ([]byte, error) {
	if err := img.CheckRange(image.info, addr, count); err != nil {
		return nil, err
	}
	buf := utils.GetBuffer()
	defer utils.PutBuffer(buf)
	for idx := uint64(0); idx < uint64(count); idx++ {
		sector, err := image.ReadSector(addr + idx)
		if err != nil {
			return nil, err
		}
		buf.Write(sector)
	}
	return bytes.Clone(buf.Bytes()), nil
}

func (image *Image) ReadSectorTag(addr uint64, tag img.SectorTag) ([]byte, error) {
	return nil, errno.NotSupported
}

func (image *Image) ReadMediaTag(tag img.MediaTag) ([]byte, error) {
	return nil, errno.NotSupported
}

// Close drops the grain cache; the filter stays with its owner.
func (image *Image) Close() error {
	if image.cache != nil {
		image.cache.Purge()
	}
	image.tables, image.stream = nil, nil
	return nil
}
