// Package qcow implements the version 1 QEMU copy-on-write container: a
// sparse image addressed through a resident two-level L1/L2 table.
package qcow

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/arc/v2"
	"github.com/klauspost/compress/flate"
	"go.uber.org/multierr"

	"github.com/aarsakian/MediaImageForensics/errno"
	"github.com/aarsakian/MediaImageForensics/img"
	"github.com/aarsakian/MediaImageForensics/logger"
	"github.com/aarsakian/MediaImageForensics/readers"
	"github.com/aarsakian/MediaImageForensics/utils"
)

const (
	magic      uint32 = 0x514649FB // QFI\xfb
	version    uint32 = 1
	headerSize        = 48
	sectorSize        = 512

	compressedFlag uint64 = 1 << 63

	defaultClusterBits = 12
	defaultL2Bits      = 9
	cacheBytes         = 16 * 1024 * 1024
)

type Header struct {
	Magic             uint32 //0-4
	Version           uint32 //4-8
	BackingFileOffset uint64 //8-16
	BackingFileSize   uint32 //16-20
	Mtime             uint32 //20-24
	Size              uint64 //24-32 bytes of guest data
	ClusterBits       uint8  //32
	L2Bits            uint8  //33
	Padding           uint16 //34-36
	CryptMethod       uint32 //36-40
	L1TableOffset     uint64 //40-48
}

func (header Header) valid() bool {
	return header.Magic == magic && header.Version == version &&
		header.ClusterBits >= 9 && header.ClusterBits <= 16 &&
		header.L2Bits >= 6 && header.L2Bits <= 13 &&
		header.Size > 0 && header.L1TableOffset >= headerSize
}

// layout holds the address arithmetic derived from the header.
type layout struct {
	clusterBits uint
	l2Bits      uint
	clusterSize uint64
	l2Size      uint64 // entries per L2 table
	l1Shift     uint
	l1Mask      uint64
	l2Mask      uint64
	sectorMask  uint64
	l1Size      uint64
	offsetMask  uint64 // compressed entries keep their offset below this
}

func newLayout(clusterBits, l2Bits uint8, size uint64) layout {
	calc := layout{clusterBits: uint(clusterBits), l2Bits: uint(l2Bits)}
	calc.clusterSize = 1 << calc.clusterBits
	calc.l2Size = 1 << calc.l2Bits
	calc.l1Shift = calc.clusterBits + calc.l2Bits
	calc.l1Mask = ^uint64(0) << calc.l1Shift
	calc.l2Mask = (calc.l2Size - 1) << calc.clusterBits
	calc.sectorMask = calc.clusterSize - 1
	calc.l1Size = (size + (1 << calc.l1Shift) - 1) >> calc.l1Shift
	calc.offsetMask = (1 << (63 - calc.clusterBits)) - 1
	return calc
}

func (calc layout) l1Index(byteAddress uint64) uint64 {
	return (byteAddress & calc.l1Mask) >> calc.l1Shift
}

func (calc layout) l2Index(byteAddress uint64) uint64 {
	return (byteAddress & calc.l2Mask) >> calc.clusterBits
}

func (calc layout) inCluster(byteAddress uint64) uint64 {
	return byteAddress & calc.sectorMask
}

// compressed splits a compressed L2 entry into offset and stored size.
func (calc layout) compressed(entry uint64) (uint64, uint64) {
	size := (entry >> (63 - calc.clusterBits)) & (calc.clusterSize - 1)
	return entry & calc.offsetMask, size
}

type Image struct {
	header   Header
	calc     layout
	stream   readers.Stream
	length   uint64 // bytes of the backing store
	l1       []uint64
	l2       [][]uint64 // resident L2 tables indexed like l1
	cache    *lru.ARCCache[uint64, []byte]
	info     img.ImageInfo
	geometry img.Geometry

	file  *os.File // set for images being written
	end   uint64   // end of the backing store while writing
	dirty bool
}

func (image *Image) Name() string {
	return "qcow"
}

func readHeader(stream io.ReaderAt, length int64) (Header, error) {
	var header Header
	if length < headerSize {
		return header, utils.ErrShortBuffer
	}
	data := make([]byte, headerSize)
	if _, err := stream.ReadAt(data, 0); err != nil {
		return header, err
	}
	_, err := utils.UnmarshalBE(data, &header)
	return header, err
}

func (image *Image) Identify(filter readers.Filter) bool {
	header, err := readHeader(filter.DataStream(), filter.Length())
	return err == nil && header.valid()
}

func (image *Image) Open(filter readers.Filter) (err error) {
	defer errno.Recover(&err)

	header, err := readHeader(filter.DataStream(), filter.Length())
	if err != nil {
		return fmt.Errorf("qcow header: %v: %w", err, errno.InvalidData)
	}
	if !header.valid() {
		return errno.Errorf(errno.InvalidData, "not a qcow v1 image")
	}
	if header.BackingFileOffset != 0 || header.BackingFileSize != 0 {
		return errno.Errorf(errno.NotSupported, "backing files")
	}
	if header.CryptMethod != 0 {
		return errno.Errorf(errno.NotSupported, "encrypted images")
	}

	calc := newLayout(header.ClusterBits, header.L2Bits, header.Size)
	length := uint64(filter.Length())
	stream := filter.DataStream()

	l1, err := readTable(stream, length, header.L1TableOffset, calc.l1Size)
	if err != nil {
		return fmt.Errorf("L1 table: %w", err)
	}
	l2 := make([][]uint64, calc.l1Size)
	for idx, l2Offset := range l1 {
		if l2Offset == 0 {
			continue
		}
		table, err := readTable(stream, length, l2Offset, calc.l2Size)
		if err != nil {
			return fmt.Errorf("L2 table %d: %w", idx, err)
		}
		for entryIdx, entry := range table {
			if err := calc.checkEntry(entry, length); err != nil {
				return fmt.Errorf("L2 table %d entry %d: %w", idx, entryIdx, err)
			}
		}
		l2[idx] = table
	}

	cache, err := lru.NewARC[uint64, []byte](max(1, int(cacheBytes>>calc.clusterBits)))
	if err != nil {
		return err
	}

	image.header, image.calc, image.stream, image.length = header, calc, stream, length
	image.l1, image.l2, image.cache = l1, l2, cache
	image.info = img.ImageInfo{
		Sectors:              header.Size / sectorSize,
		SectorSize:           sectorSize,
		MediaType:            img.GENERIC_HDD,
		CreationTime:         filter.CreationTime(),
		LastModificationTime: time.Unix(int64(header.Mtime), 0).UTC(),
		ImageSize:            header.Size,
	}
	if header.Mtime == 0 {
		image.info.LastModificationTime = filter.LastWriteTime()
	}
	img.GuessGeometry(&image.info)
	logger.MILogger.Infof("qcow: %d sectors, cluster %d bytes, %d L1 entries", image.info.Sectors, calc.clusterSize, calc.l1Size)
	return nil
}

func (calc layout) checkEntry(entry, length uint64) error {
	if entry == 0 {
		return nil
	}
	if entry&compressedFlag != 0 {
		offset, size := calc.compressed(entry)
		if offset+size > length {
			return errno.Errorf(errno.InvalidData, "compressed cluster at %d beyond %d", offset, length)
		}
		return nil
	}
	if entry&(calc.clusterSize-1) != 0 {
		return errno.Errorf(errno.InvalidData, "cluster at %d not aligned to %d", entry, calc.clusterSize)
	}
	if entry >= length || length-entry < calc.clusterSize {
		return errno.Errorf(errno.InvalidData, "cluster at %d beyond %d", entry, length)
	}
	return nil
}

func readTable(stream io.ReaderAt, length, offset, entries uint64) ([]uint64, error) {
	if offset < headerSize || offset+entries*8 > length {
		return nil, errno.Errorf(errno.InvalidData, "table at %d with %d entries beyond %d", offset, entries, length)
	}
	raw := make([]byte, entries*8)
	if _, err := stream.ReadAt(raw, int64(offset)); err != nil {
		return nil, fmt.Errorf("%v: %w", err, errno.InOutError)
	}
	table := make([]uint64, entries)
	for idx := range table {
		table[idx] = binary.BigEndian.Uint64(raw[idx*8:])
	}
	return table, nil
}

func (image *Image) Info() img.ImageInfo {
	return image.info
}

func (image *Image) cluster(entry uint64) ([]byte, error) {
	if data, ok := image.cache.Get(entry); ok {
		return data, nil
	}
	data := make([]byte, image.calc.clusterSize)
	if entry&compressedFlag != 0 {
		offset, size := image.calc.compressed(entry)
		inflater := flate.NewReader(io.NewSectionReader(image.stream, int64(offset), int64(size)))
		defer inflater.Close()
		if _, err := io.ReadFull(inflater, data); err != nil {
			return nil, fmt.Errorf("inflating cluster at %d: %v: %w", offset, err, errno.InOutError)
		}
	} else {
		if _, err := image.stream.ReadAt(data, int64(entry)); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("cluster at %d: %v: %w", entry, err, errno.InOutError)
		}
	}
	image.cache.Add(entry, data)
	return data, nil
}

func (image *Image) ReadSector(addr uint64) ([]byte, error) {
	if err := img.CheckRange(image.info, addr, 1); err != nil {
		return nil, err
	}
	byteAddress := addr * sectorSize
	l1Idx := image.calc.l1Index(byteAddress)
	if l1Idx >= uint64(len(image.l1)) {
		return nil, errno.Errorf(errno.InvalidArgument, "L1 index %d beyond table", l1Idx)
	}
	sector := make([]byte, sectorSize)
	if image.l1[l1Idx] == 0 {
		return sector, nil
	}
	entry := image.l2[l1Idx][image.calc.l2Index(byteAddress)]
	if entry == 0 {
		return sector, nil
	}
	data, err := image.cluster(entry)
	if err != nil {
		return nil, err
	}
	start := image.calc.inCluster(byteAddress)
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

func optionBits(options map[string]string, key string, fallback uint8) (uint8, error) {
	value, ok := options[key]
	if !ok {
		return fallback, nil
	}
	bits, err := strconv.ParseUint(value, 10, 8)
	if err != nil {
		return 0, errno.Errorf(errno.InvalidArgument, "%s=%s", key, value)
	}
	return uint8(bits), nil
}

// Create writes a header and an empty L1 table. Clusters and L2 tables are
// appended on first write; tables are flushed by Close.
func (image *Image) Create(path string, mediaType img.MediaType, options map[string]string, sectors uint64, size uint32) error {
	if size != sectorSize {
		return errno.Errorf(errno.NotSupported, "sector size %d", size)
	}
	if sectors == 0 {
		return errno.InvalidArgument
	}
	clusterBits, err := optionBits(options, "cluster_bits", defaultClusterBits)
	if err != nil {
		return err
	}
	l2Bits, err := optionBits(options, "l2_bits", defaultL2Bits)
	if err != nil {
		return err
	}
	header := Header{Magic: magic, Version: version, Size: sectors * sectorSize,
		ClusterBits: clusterBits, L2Bits: l2Bits, L1TableOffset: headerSize, Mtime: uint32(time.Now().Unix())}
	if !header.valid() {
		return errno.Errorf(errno.InvalidArgument, "cluster bits %d, l2 bits %d", clusterBits, l2Bits)
	}
	calc := newLayout(clusterBits, l2Bits, header.Size)

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := utils.LockFile(file); err != nil {
		file.Close()
		return fmt.Errorf("locking %s: %v: %w", path, err, errno.AccessDenied)
	}
	cache, err := lru.NewARC[uint64, []byte](max(1, int(cacheBytes>>calc.clusterBits)))
	if err != nil {
		return multierr.Combine(err, utils.UnlockFile(file), file.Close())
	}

	image.header, image.calc, image.file, image.stream, image.cache = header, calc, file, file, cache
	image.l1 = make([]uint64, calc.l1Size)
	image.l2 = make([][]uint64, calc.l1Size)
	image.end = headerSize + calc.l1Size*8
	image.dirty = true
	image.info = img.ImageInfo{Sectors: sectors, SectorSize: sectorSize, MediaType: mediaType,
		ImageSize: header.Size, CreationTime: time.Now(), LastModificationTime: time.Now()}
	if err := image.flush(); err != nil {
		image.Close()
		return err
	}
	return nil
}

// allocate appends size zero bytes at the next cluster aligned end of file.
func (image *Image) allocate(size uint64) (uint64, error) {
	offset := (image.end + image.calc.clusterSize - 1) &^ (image.calc.clusterSize - 1)
	if _, err := image.file.WriteAt(make([]byte, size), int64(offset)); err != nil {
		return 0, fmt.Errorf("allocating %d bytes at %d: %v: %w", size, offset, err, errno.InOutError)
	}
	image.end = offset + size
	return offset, nil
}

func (image *Image) WriteSector(data []byte, addr uint64) error {
	if image.file == nil {
		return errno.Errorf(errno.AccessDenied, "image not opened for writing")
	}
	if len(data) != sectorSize {
		return errno.Errorf(errno.InvalidArgument, "%d bytes for one sector", len(data))
	}
	if err := img.CheckRange(image.info, addr, 1); err != nil {
		return err
	}
	image.geometry.Written()

	byteAddress := addr * sectorSize
	l1Idx := image.calc.l1Index(byteAddress)
	l2Idx := image.calc.l2Index(byteAddress)
	if image.l1[l1Idx] == 0 || image.l2[l1Idx][l2Idx] == 0 {
		if bytes.Equal(data, make([]byte, sectorSize)) {
			// unallocated sectors already read as zero
			return nil
		}
	}

	if image.l1[l1Idx] == 0 {
		offset, err := image.allocate(image.calc.l2Size * 8)
		if err != nil {
			return err
		}
		image.l1[l1Idx] = offset
		image.l2[l1Idx] = make([]uint64, image.calc.l2Size)
	}
	entry := image.l2[l1Idx][l2Idx]
	if entry&compressedFlag != 0 {
		return errno.Errorf(errno.NotSupported, "rewriting compressed clusters")
	}
	if entry == 0 {
		offset, err := image.allocate(image.calc.clusterSize)
		if err != nil {
			return err
		}
		image.l2[l1Idx][l2Idx] = offset
		entry = offset
	}
	image.dirty = true
	image.cache.Remove(entry)
	if _, err := image.file.WriteAt(data, int64(entry+image.calc.inCluster(byteAddress))); err != nil {
		return fmt.Errorf("writing sector %d: %v: %w", addr, err, errno.InOutError)
	}
	return nil
}

func (image *Image) WriteSectors(data []byte, addr uint64, count uint32) error {
	if uint64(len(data)) != uint64(count)*sectorSize {
		return errno.Errorf(errno.InvalidArgument, "%d bytes for %d sectors", len(data), count)
	}
	if err := img.CheckRange(image.info, addr, count); err != nil {
		return err
	}
	for idx := uint64(0); idx < uint64(count); idx++ {
		if err := image.WriteSector(data[idx*sectorSize:(idx+1)*sectorSize], addr+idx); err != nil {
			return err
		}
	}
	return nil
}

func (image *Image) SetGeometry(cylinders, heads, sectorsPerTrack uint32) error {
	return image.geometry.Set(&image.info, cylinders, heads, sectorsPerTrack)
}

func tableBytes(table []uint64) []byte {
	raw := make([]byte, len(table)*8)
	for idx, entry := range table {
		binary.BigEndian.PutUint64(raw[idx*8:], entry)
	}
	return raw
}

// flush persists the header, every L2 table and the L1 table.
func (image *Image) flush() error {
	image.header.Mtime = uint32(time.Now().Unix())
	header, err := utils.Marshal(&image.header, binary.BigEndian)
	if err != nil {
		return err
	}
	if _, err := image.file.WriteAt(header, 0); err != nil {
		return err
	}
	for idx, table := range image.l2 {
		if table == nil {
			continue
		}
		if _, err := image.file.WriteAt(tableBytes(table), int64(image.l1[idx])); err != nil {
			return err
		}
	}
	if _, err := image.file.WriteAt(tableBytes(image.l1), int64(image.header.L1TableOffset)); err != nil {
		return err
	}
	image.dirty = false
	return nil
}

func (image *Image) Close() error {
	if image.cache != nil {
		image.cache.Purge()
	}
	image.stream = nil
	if image.file == nil {
		return nil
	}
	var err error
	if image.dirty {
		err = image.flush()
	}
	file := image.file
	image.file = nil
	return multierr.Combine(err, file.Sync(), utils.UnlockFile(file), file.Close())
}
