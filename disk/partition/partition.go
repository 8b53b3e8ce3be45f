// Package partition describes a window of logical sectors inside a media
// image. Filesystems mount against a Partition rather than the whole image.
package partition

import (
	"fmt"

	"github.com/aarsakian/MediaImageForensics/errno"
)

type Partition struct {
	Sequence uint32
	Start    uint64 // first sector
	Length   uint64 // sectors
	Type     string
	Name     string
	Scheme   string
}

// End is the last sector of the partition.
func (partition Partition) End() uint64 {
	return partition.Start + partition.Length - 1
}

// Validate checks the partition lies inside an image of the given size.
func (partition Partition) Validate(sectors uint64) error {
	if partition.Length == 0 {
		return errno.Errorf(errno.InvalidArgument, "partition %d is empty", partition.Sequence)
	}
	end := partition.Start + partition.Length
	if end < partition.Start || end > sectors {
		return errno.Errorf(errno.OutOfRange, "partition %d (%d+%d) beyond %d sectors",
			partition.Sequence, partition.Start, partition.Length, sectors)
	}
	return nil
}

// Whole covers every sector of an unpartitioned image.
func Whole(sectors uint64) Partition {
	return Partition{Start: 0, Length: sectors, Type: "Whole media", Name: "Whole media", Scheme: "none"}
}

func (partition Partition) String() string {
	return fmt.Sprintf("%d %s (%s) at %d size %d sectors", partition.Sequence, partition.Name,
		partition.Type, partition.Start, partition.Length)
}
