package FATX

import (
	"bytes"
	"encoding/binary"

	"github.com/aarsakian/MediaImageForensics/errno"
	"github.com/aarsakian/MediaImageForensics/utils"
)

const (
	superblockSize  = 4096
	fatAlignment    = 4096
	fat16Limit      = 65525
	maxNameLength   = 42
	direntSize      = 64
	deletedMarker   = 0xE5
	xboxYearBase    = 2000
	xbox360YearBase = 1980
)

var (
	fatxMagic = []byte("FATX")
	xtafMagic = []byte("XTAF")
)

const (
	attrReadOnly  = 0x01
	attrHidden    = 0x02
	attrSystem    = 0x04
	attrDirectory = 0x10
	attrArchive   = 0x20
)

type Superblock struct {
	Magic             [4]byte
	VolumeID          uint32
	SectorsPerCluster uint32
	RootCluster       uint32
	Unknown           uint16
}

// DirEntry is a 64 byte directory record.
type DirEntry struct {
	NameLength   uint8
	Attributes   uint8
	Name         [42]byte
	FirstCluster uint32
	Size         uint32
	WriteTime    uint16
	WriteDate    uint16
	AccessTime   uint16
	AccessDate   uint16
	CreateTime   uint16
	CreateDate   uint16
}

// layout is the geometry derived from the superblock.
type layout struct {
	order        binary.ByteOrder
	yearBase     int
	volumeID     uint32
	clusterBytes uint64
	rootCluster  uint32
	clusters     uint32 // addressable data clusters, numbered from 1
	fat32        bool
	fatBytes     uint64
	dataOffset   uint64
}

func (geometry *layout) kind() string {
	if geometry.order == binary.BigEndian {
		return "XTAF"
	}
	return "FATX"
}

func (geometry *layout) endOfChain() uint32 {
	if geometry.fat32 {
		return 0xFFFFFFF8
	}
	return 0xFFF8
}

// entry returns the FAT value of cluster.
func (geometry *layout) entry(fat []byte, cluster uint32) uint32 {
	if geometry.fat32 {
		pos := uint64(cluster) * 4
		if pos+4 > uint64(len(fat)) {
			return geometry.endOfChain()
		}
		return geometry.order.Uint32(fat[pos:])
	}
	pos := uint64(cluster) * 2
	if pos+2 > uint64(len(fat)) {
		return geometry.endOfChain()
	}
	return uint32(geometry.order.Uint16(fat[pos:]))
}

// parseLayout validates the superblock of a partition of partitionBytes
// whose image sectors are sectorSize bytes.
func parseLayout(raw []byte, partitionBytes uint64, sectorSize uint32) (geometry *layout, err error) {
	defer errno.Recover(&err)
	geometry = &layout{}
	switch {
	case bytes.Equal(raw[:4], fatxMagic):
		geometry.order, geometry.yearBase = binary.LittleEndian, xboxYearBase
	case bytes.Equal(raw[:4], xtafMagic):
		geometry.order, geometry.yearBase = binary.BigEndian, xbox360YearBase
	default:
		return nil, errno.Errorf(errno.InvalidData, "magic %q", raw[:4])
	}
	var super Superblock
	if geometry.order == binary.BigEndian {
		_, err = utils.UnmarshalBE(raw, &super)
	} else {
		_, err = utils.Unmarshal(raw, &super)
	}
	if err != nil {
		return nil, err
	}
	if super.SectorsPerCluster == 0 || !utils.IsPowerOfTwo(uint64(super.SectorsPerCluster)) {
		return nil, errno.Errorf(errno.InvalidData, "%d sectors per cluster", super.SectorsPerCluster)
	}
	if super.RootCluster < 1 {
		return nil, errno.Errorf(errno.InvalidData, "root cluster %d", super.RootCluster)
	}
	geometry.volumeID = super.VolumeID
	geometry.rootCluster = super.RootCluster
	geometry.clusterBytes = uint64(super.SectorsPerCluster) * uint64(sectorSize)
	if partitionBytes <= superblockSize+geometry.clusterBytes {
		return nil, errno.Errorf(errno.InvalidData, "partition of %d bytes", partitionBytes)
	}

	total := partitionBytes / geometry.clusterBytes
	geometry.fat32 = total >= fat16Limit
	width := uint64(2)
	if geometry.fat32 {
		width = 4
	}
	geometry.fatBytes = (total*width + fatAlignment - 1) / fatAlignment * fatAlignment
	geometry.dataOffset = superblockSize + geometry.fatBytes
	if geometry.dataOffset >= partitionBytes {
		return nil, errno.Errorf(errno.InvalidData, "FAT of %d bytes fills the partition", geometry.fatBytes)
	}
	geometry.clusters = uint32((partitionBytes - geometry.dataOffset) / geometry.clusterBytes)
	if geometry.rootCluster > geometry.clusters {
		return nil, errno.Errorf(errno.InvalidData, "root cluster %d beyond %d clusters", geometry.rootCluster, geometry.clusters)
	}
	return geometry, nil
}
