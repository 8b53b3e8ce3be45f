package metadata

import (
	"fmt"

	"github.com/aarsakian/MediaImageForensics/disk/partition"
	"github.com/aarsakian/MediaImageForensics/errno"
	"github.com/aarsakian/MediaImageForensics/img"
)

// largest single ReadSectors request
const maxSectorsPerRead = 2048

// Extent is a run of filesystem blocks.
type Extent struct {
	Start  uint64
	Length uint64
}

// ReadExtents reads length bytes at offset of a file laid out in extents of
// blockSize byte blocks. readBlocks returns count whole blocks.
func ReadExtents(extents []Extent, blockSize int64, offset, length int64,
	readBlocks func(start, count uint64) ([]byte, error)) ([]byte, error) {
	if length <= 0 {
		return nil, nil
	}
	out := make([]byte, 0, length)
	end := offset + length
	var filePos int64 // byte position of the current extent inside the file
	for _, extent := range extents {
		extentBytes := int64(extent.Length) * blockSize
		if filePos+extentBytes <= offset {
			filePos += extentBytes
			continue
		}
		from := max(offset, filePos) - filePos
		to := min(end, filePos+extentBytes) - filePos
		firstBlock := from / blockSize
		lastBlock := (to - 1) / blockSize
		data, err := readBlocks(extent.Start+uint64(firstBlock), uint64(lastBlock-firstBlock+1))
		if err != nil {
			return nil, err
		}
		skip := from - firstBlock*blockSize
		if int64(len(data)) < skip+(to-from) {
			return nil, errno.Errorf(errno.InOutError, "short block read in extent %d+%d", extent.Start, extent.Length)
		}
		out = append(out, data[skip:skip+(to-from)]...)
		filePos += extentBytes
		if filePos >= end {
			break
		}
	}
	if int64(len(out)) < length {
		return nil, errno.Errorf(errno.InvalidData, "extents cover %d of %d requested bytes", len(out), length)
	}
	return out, nil
}

// FollowChain walks a cluster chain. next returns the successor of a
// cluster; isEnd recognises the terminator. Chains longer than limit or
// revisiting a cluster are reported as InvalidData.
func FollowChain(first uint32, next func(uint32) (uint32, error), isEnd func(uint32) bool, limit int) ([]uint32, error) {
	var chain []uint32
	visited := make(map[uint32]bool)
	for cluster := first; !isEnd(cluster); {
		if visited[cluster] {
			return nil, errno.Errorf(errno.InvalidData, "cluster chain loops at %d", cluster)
		}
		if len(chain) >= limit {
			return nil, errno.Errorf(errno.InvalidData, "cluster chain longer than %d", limit)
		}
		visited[cluster] = true
		chain = append(chain, cluster)
		successor, err := next(cluster)
		if err != nil {
			return nil, err
		}
		cluster = successor
	}
	return chain, nil
}

// ChainExtents merges consecutive clusters into extents.
func ChainExtents(chain []uint32) []Extent {
	var extents []Extent
	for _, cluster := range chain {
		if count := len(extents); count > 0 && extents[count-1].Start+extents[count-1].Length == uint64(cluster) {
			extents[count-1].Length++
			continue
		}
		extents = append(extents, Extent{Start: uint64(cluster), Length: 1})
	}
	return extents
}

// ReadBytes reads length bytes at a partition relative byte offset. The
// image sector size need not match the filesystem block size.
func ReadBytes(image img.MediaImage, part partition.Partition, offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, errno.InvalidArgument
	}
	if length == 0 {
		return []byte{}, nil
	}
	sectorSize := int64(image.Info().SectorSize)
	if sectorSize == 0 {
		return nil, errno.Errorf(errno.NotSupported, "image has no sector addressing")
	}
	first := offset / sectorSize
	last := (offset + length - 1) / sectorSize
	if uint64(last) >= part.Length {
		return nil, errno.Errorf(errno.OutOfRange, "bytes %d+%d beyond partition of %d sectors", offset, length, part.Length)
	}
	data := make([]byte, 0, (last-first+1)*sectorSize)
	for sector := first; sector <= last; {
		count := min(last-sector+1, maxSectorsPerRead)
		chunk, err := image.ReadSectors(part.Start+uint64(sector), uint32(count))
		if err != nil {
			return nil, fmt.Errorf("reading sectors %d+%d: %w", part.Start+uint64(sector), count, err)
		}
		data = append(data, chunk...)
		sector += count
	}
	skip := offset - first*sectorSize
	return data[skip : skip+length], nil
}
