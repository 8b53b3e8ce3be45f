package ISO9660

import (
	"sort"

	"github.com/aarsakian/MediaImageForensics/errno"
	"github.com/aarsakian/MediaImageForensics/img"
)

const (
	rawSectorSize  = 2352
	form2Payload   = 2324
	subHeaderStart = 16
	submodeForm2   = 0x20
)

// xaSector is the payload of one physical sector of an XA file.
type xaSector struct {
	address uint64 // image sector
	offset  int    // payload start inside the raw sector
	size    int
	start   int64 // file offset of the payload
}

// xaLayout inspects every physical sector of entry through long reads and
// records its mode dependent payload. The physical span is taken from the
// recorded size at 2048 bytes per sector; payload sizes are only known
// after each sector's mode and sub-mode have been read.
func xaLayout(image img.OpticalImage, base uint64, entry *Entry) ([]xaSector, int64, error) {
	var (
		sectors []xaSector
		length  int64
	)
	for _, extent := range entry.Extents {
		for block := extent.Start; block < extent.Start+extent.Length; block++ {
			address := base + block
			raw, err := image.ReadSectorLong(address)
			if err != nil {
				return nil, 0, err
			}
			if len(raw) < rawSectorSize {
				return nil, 0, errno.Errorf(errno.InvalidData, "long sector %d has %d bytes", address, len(raw))
			}
			sector := xaSector{address: address, start: length}
			switch raw[15] {
			case 1:
				sector.offset, sector.size = 16, sectorSize
			case 2:
				sector.offset, sector.size = 24, sectorSize
				if raw[subHeaderStart+2]&submodeForm2 != 0 {
					sector.size = form2Payload
				}
			default:
				return nil, 0, errno.Errorf(errno.InvalidData, "sector %d has mode %d", address, raw[15])
			}
			sectors = append(sectors, sector)
			length += int64(sector.size)
		}
	}
	return sectors, length, nil
}

// readXA copies length bytes at offset of a file laid out by xaLayout.
func readXA(image img.OpticalImage, sectors []xaSector, offset, length int64) ([]byte, error) {
	first := sort.Search(len(sectors), func(idx int) bool {
		return sectors[idx].start+int64(sectors[idx].size) > offset
	})
	out := make([]byte, 0, length)
	end := offset + length
	for idx := first; idx < len(sectors) && int64(len(out)) < length; idx++ {
		sector := sectors[idx]
		raw, err := image.ReadSectorLong(sector.address)
		if err != nil {
			return nil, err
		}
		payload := raw[sector.offset : sector.offset+sector.size]
		from := max(offset, sector.start) - sector.start
		to := min(end, sector.start+int64(sector.size)) - sector.start
		out = append(out, payload[from:to]...)
	}
	if int64(len(out)) < length {
		return nil, errno.Errorf(errno.InvalidData, "XA sectors hold %d of %d bytes", len(out), length)
	}
	return out, nil
}

// subHeaders returns the 8 byte mode 2 sub-header of every sector of entry.
func subHeaders(image img.OpticalImage, base uint64, entry *Entry) ([]byte, error) {
	var out []byte
	for _, extent := range entry.Extents {
		for block := extent.Start; block < extent.Start+extent.Length; block++ {
			raw, err := image.ReadSectorLong(base + block)
			if err != nil {
				return nil, err
			}
			if len(raw) < rawSectorSize || raw[15] != 2 {
				return nil, errno.Errorf(errno.NotSupported, "sector %d is not mode 2", base+block)
			}
			out = append(out, raw[subHeaderStart:subHeaderStart+8]...)
		}
	}
	return out, nil
}
