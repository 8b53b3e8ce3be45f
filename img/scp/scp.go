// Package scp reads SuperCard Pro flux captures. Sector access is not
// available; flux transitions are exposed per head, track and revolution.
package scp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"iter"
	"time"

	"github.com/aarsakian/MediaImageForensics/errno"
	"github.com/aarsakian/MediaImageForensics/img"
	"github.com/aarsakian/MediaImageForensics/logger"
	"github.com/aarsakian/MediaImageForensics/readers"
	"github.com/aarsakian/MediaImageForensics/utils"
)

const (
	headerSize     = 16
	maxTracks      = 168
	tableEnd       = headerSize + maxTracks*4
	footerSize     = 48
	revolutionSize = 12

	flagFooter = 0x20

	// picoseconds per resolution step
	baseResolution = 25000
)

var (
	signature       = []byte("SCP")
	trackSignature  = []byte("TRK")
	footerSignature = []byte("FPCS")
)

type Header struct {
	Signature       [3]byte //0-3
	Version         uint8   //3
	DiskType        uint8   //4
	Revolutions     uint8   //5
	StartTrack      uint8   //6
	EndTrack        uint8   //7
	Flags           uint8   //8
	BitCellEncoding uint8   //9 0 means 16 bits
	Heads           uint8   //10 0 both, 1 side 0, 2 side 1
	Resolution      uint8   //11 25ns*(n+1)
	Checksum        uint32  //12-16
}

type Revolution struct {
	IndexTime  uint32 // in resolution steps
	Length     uint32 // flux transitions
	DataOffset uint32 // relative to the TRK block
}

type Footer struct {
	ManufacturerOffset uint32
	ModelOffset        uint32
	SerialOffset       uint32
	CreatorOffset      uint32
	ApplicationOffset  uint32
	CommentsOffset     uint32
	CreationTime       uint64
	ModificationTime   uint64
	ApplicationVersion uint8
	HardwareVersion    uint8
	FirmwareVersion    uint8
	FormatRevision     uint8
	Signature          [4]byte
}

type trackEntry struct {
	offset      int64
	revolutions []Revolution
}

type Image struct {
	header Header
	footer *Footer
	stream readers.Stream
	length int64
	tracks map[int]trackEntry // keyed by table index
	info   img.ImageInfo
}

func (image *Image) Name() string {
	return "scp"
}

func readHeader(stream io.ReaderAt, length int64) (Header, bool) {
	var header Header
	if length < tableEnd {
		return header, false
	}
	data := make([]byte, headerSize)
	if _, err := stream.ReadAt(data, 0); err != nil {
		return header, false
	}
	if _, err := utils.Unmarshal(data, &header); err != nil {
		return header, false
	}
	ok := bytes.Equal(header.Signature[:], signature) && header.Revolutions > 0 &&
		header.StartTrack <= header.EndTrack && header.EndTrack < maxTracks &&
		header.Heads <= 2 && (header.BitCellEncoding == 0 || header.BitCellEncoding == 16)
	return header, ok
}

func (image *Image) Identify(filter readers.Filter) bool {
	_, ok := readHeader(filter.DataStream(), filter.Length())
	return ok
}

// tableIndex maps a physical location to the track offset table. Images of
// both sides interleave heads; single sided images store one entry per track.
func (image *Image) tableIndex(head uint32, track uint16) (int, error) {
	if head > 1 {
		return 0, errno.Errorf(errno.InvalidArgument, "head %d", head)
	}
	switch image.header.Heads {
	case 0:
		return int(track)*2 + int(head), nil
	case 1, 2:
		if uint32(image.header.Heads-1) != head {
			return 0, errno.Errorf(errno.InvalidArgument, "head %d not captured", head)
		}
		return int(track), nil
	}
	return 0, errno.InvalidData
}

func (image *Image) Open(filter readers.Filter) (err error) {
	defer errno.Recover(&err)
	stream, length := filter.DataStream(), filter.Length()
	header, ok := readHeader(stream, length)
	if !ok {
		return errno.Errorf(errno.InvalidData, "not a SuperCard Pro image")
	}
	if header.Checksum != 0 {
		sum, err := checksum(stream, length)
		if err != nil {
			return err
		}
		if sum != header.Checksum {
			return errno.Errorf(errno.InvalidData, "checksum %08x, header says %08x", sum, header.Checksum)
		}
	}

	table := make([]byte, maxTracks*4)
	if _, err := stream.ReadAt(table, headerSize); err != nil {
		return fmt.Errorf("track table: %v: %w", err, errno.InOutError)
	}
	tracks := make(map[int]trackEntry)
	for idx := int(header.StartTrack); idx <= int(header.EndTrack); idx++ {
		offset := int64(binary.LittleEndian.Uint32(table[idx*4:]))
		if offset == 0 {
			continue
		}
		entry, err := readTrack(stream, length, offset, idx, int(header.Revolutions))
		if err != nil {
			return err
		}
		tracks[idx] = entry
	}

	image.header, image.stream, image.length, image.tracks = header, stream, length, tracks
	image.info = img.ImageInfo{
		MediaType:            img.FluxCapture,
		Cylinders:            uint32(header.EndTrack-header.StartTrack) + 1,
		Heads:                1,
		CreationTime:         filter.CreationTime(),
		LastModificationTime: filter.LastWriteTime(),
		Application:          "SuperCard Pro",
		ApplicationVersion:   fmt.Sprintf("%d.%d", header.Version>>4, header.Version&0x0F),
		ImageSize:            uint64(length),
	}
	if header.Heads == 0 {
		image.info.Heads = 2
		image.info.Cylinders = (image.info.Cylinders + 1) / 2
	}
	if header.Flags&flagFooter != 0 {
		if err := image.readFooter(); err != nil {
			return err
		}
	}
	logger.MILogger.Infof("scp: %d captured tracks, %d revolutions, resolution %d ps", len(tracks), header.Revolutions, image.resolution())
	return nil
}

// checksum sums every byte after the header.
func checksum(stream io.ReaderAt, length int64) (uint32, error) {
	var sum uint32
	buf := make([]byte, 64*1024)
	for offset := int64(headerSize); offset < length; {
		n, err := stream.ReadAt(buf[:min(int64(len(buf)), length-offset)], offset)
		for _, b := range buf[:n] {
			sum += uint32(b)
		}
		offset += int64(n)
		if err != nil && offset < length {
			return 0, fmt.Errorf("checksum: %v: %w", err, errno.InOutError)
		}
	}
	return sum, nil
}

func readTrack(stream io.ReaderAt, length, offset int64, idx, revolutions int) (trackEntry, error) {
	size := int64(4 + revolutions*revolutionSize)
	if offset < tableEnd || offset+size > length {
		return trackEntry{}, errno.Errorf(errno.InvalidData, "track %d header at %d beyond %d", idx, offset, length)
	}
	raw := make([]byte, size)
	if _, err := stream.ReadAt(raw, offset); err != nil {
		return trackEntry{}, fmt.Errorf("track %d: %v: %w", idx, err, errno.InOutError)
	}
	if !bytes.Equal(raw[:3], trackSignature) || int(raw[3]) != idx {
		return trackEntry{}, errno.Errorf(errno.InvalidData, "track %d header malformed", idx)
	}
	entry := trackEntry{offset: offset, revolutions: make([]Revolution, revolutions)}
	for rev := range entry.revolutions {
		if _, err := utils.Unmarshal(raw[4+rev*revolutionSize:], &entry.revolutions[rev]); err != nil {
			return trackEntry{}, err
		}
		revolution := entry.revolutions[rev]
		if offset+int64(revolution.DataOffset)+int64(revolution.Length)*2 > length {
			return trackEntry{}, errno.Errorf(errno.InvalidData, "track %d revolution %d data beyond end", idx, rev)
		}
	}
	return entry, nil
}

// pascalString reads a uint16 length prefixed string.
func (image *Image) pascalString(offset uint32) string {
	if offset == 0 || int64(offset)+2 > image.length {
		return ""
	}
	prefix := make([]byte, 2)
	if _, err := image.stream.ReadAt(prefix, int64(offset)); err != nil {
		return ""
	}
	size := int64(binary.LittleEndian.Uint16(prefix))
	if int64(offset)+2+size > image.length {
		return ""
	}
	text := make([]byte, size)
	if _, err := image.stream.ReadAt(text, int64(offset)+2); err != nil {
		return ""
	}
	return utils.TrimNull(text)
}

func (image *Image) readFooter() error {
	if image.length < tableEnd+footerSize {
		return errno.Errorf(errno.InvalidData, "footer flag set on a short image")
	}
	raw := make([]byte, footerSize)
	if _, err := image.stream.ReadAt(raw, image.length-footerSize); err != nil {
		return fmt.Errorf("footer: %v: %w", err, errno.InOutError)
	}
	var footer Footer
	if _, err := utils.Unmarshal(raw, &footer); err != nil {
		return err
	}
	if !bytes.Equal(footer.Signature[:], footerSignature) {
		logger.MILogger.Warning("scp: footer flag set but no footer signature")
		return nil
	}
	image.footer = &footer
	image.info.DriveManufacturer = image.pascalString(footer.ManufacturerOffset)
	image.info.DriveModel = image.pascalString(footer.ModelOffset)
	image.info.DriveSerialNumber = image.pascalString(footer.SerialOffset)
	image.info.Creator = image.pascalString(footer.CreatorOffset)
	if application := image.pascalString(footer.ApplicationOffset); application != "" {
		image.info.Application = application
	}
	image.info.Comments = image.pascalString(footer.CommentsOffset)
	if footer.CreationTime != 0 {
		image.info.CreationTime = time.Unix(int64(footer.CreationTime), 0).UTC()
	}
	if footer.ModificationTime != 0 {
		image.info.LastModificationTime = time.Unix(int64(footer.ModificationTime), 0).UTC()
	}
	image.info.ApplicationVersion = fmt.Sprintf("%d.%d", footer.ApplicationVersion>>4, footer.ApplicationVersion&0x0F)
	return nil
}

func (image *Image) Info() img.ImageInfo {
	return image.info
}

func (image *Image) resolution() uint64 {
	return baseResolution * (uint64(image.header.Resolution) + 1)
}

func (image *Image) revolution(head uint32, track uint16, subTrack byte, capture uint32) (trackEntry, Revolution, error) {
	if subTrack != 0 {
		return trackEntry{}, Revolution{}, errno.Errorf(errno.NotSupported, "sub tracks")
	}
	idx, err := image.tableIndex(head, track)
	if err != nil {
		return trackEntry{}, Revolution{}, err
	}
	entry, ok := image.tracks[idx]
	if !ok {
		return trackEntry{}, Revolution{}, errno.Errorf(errno.NoSuchFile, "head %d track %d not captured", head, track)
	}
	if capture >= uint32(len(entry.revolutions)) {
		return trackEntry{}, Revolution{}, errno.Errorf(errno.OutOfRange, "capture %d of %d", capture, len(entry.revolutions))
	}
	return entry, entry.revolutions[capture], nil
}

func (image *Image) CaptureCount(head uint32, track uint16, subTrack byte) (uint32, error) {
	if subTrack != 0 {
		return 0, errno.Errorf(errno.NotSupported, "sub tracks")
	}
	idx, err := image.tableIndex(head, track)
	if err != nil {
		return 0, err
	}
	entry, ok := image.tracks[idx]
	if !ok {
		return 0, errno.Errorf(errno.NoSuchFile, "head %d track %d not captured", head, track)
	}
	return uint32(len(entry.revolutions)), nil
}

// ReadFluxIndexCapture yields the single index to index duration of a
// revolution.
func (image *Image) ReadFluxIndexCapture(head uint32, track uint16, subTrack byte, capture uint32) (uint64, iter.Seq[uint64], error) {
	_, revolution, err := image.revolution(head, track, subTrack, capture)
	if err != nil {
		return 0, nil, err
	}
	return image.resolution(), func(yield func(uint64) bool) {
		yield(uint64(revolution.IndexTime))
	}, nil
}

// ReadFluxDataCapture reads the stored words at once and decodes deltas as
// the sequence is consumed. A zero word carries 65536 into the next one.
func (image *Image) ReadFluxDataCapture(head uint32, track uint16, subTrack byte, capture uint32) (uint64, iter.Seq[uint64], error) {
	entry, revolution, err := image.revolution(head, track, subTrack, capture)
	if err != nil {
		return 0, nil, err
	}
	words := make([]byte, int64(revolution.Length)*2)
	if _, err := image.stream.ReadAt(words, entry.offset+int64(revolution.DataOffset)); err != nil {
		return 0, nil, fmt.Errorf("flux data: %v: %w", err, errno.InOutError)
	}
	return image.resolution(), FluxDeltas(words), nil
}

// FluxDeltas decodes 16 bit big endian flux words.
func FluxDeltas(words []byte) iter.Seq[uint64] {
	return func(yield func(uint64) bool) {
		var carry uint64
		for idx := 0; idx+1 < len(words); idx += 2 {
			word := uint64(binary.BigEndian.Uint16(words[idx:]))
			if word == 0 {
				carry += 65536
				continue
			}
			if !yield(carry + word) {
				return
			}
			carry = 0
		}
	}
}

func (image *Image) ReadFluxCapture(head uint32, track uint16, subTrack byte, capture uint32) (uint64, uint64, iter.Seq[uint64], iter.Seq[uint64], error) {
	indexResolution, index, err := image.ReadFluxIndexCapture(head, track, subTrack, capture)
	if err != nil {
		return 0, 0, nil, nil, err
	}
	dataResolution, data, err := image.ReadFluxDataCapture(head, track, subTrack, capture)
	if err != nil {
		return 0, 0, nil, nil, err
	}
	return indexResolution, dataResolution, index, data, nil
}

func (image *Image) ReadSector(addr uint64) ([]byte, error) {
	return nil, errno.NotImplemented
}

func (image *Image) ReadSectors(addr uint64, count uint32) ([]byte, error) {
	return nil, errno.NotImplemented
}

func (image *Image) ReadSectorTag(addr uint64, tag img.SectorTag) ([]byte, error) {
	return nil, errno.NotImplemented
}

func (image *Image) ReadMediaTag(tag img.MediaTag) ([]byte, error) {
	return nil, errno.NotImplemented
}

func (image *Image) Close() error {
	image.stream, image.tracks = nil, nil
	return nil
}
