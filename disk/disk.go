// Package disk opens evidence through the filter and image drivers, splits
// it into partitions and mounts the filesystem of each partition.
package disk

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"go.uber.org/multierr"

	metadata "github.com/aarsakian/MediaImageForensics/FS"
	"github.com/aarsakian/MediaImageForensics/disk/partition"
	mbrLib "github.com/aarsakian/MediaImageForensics/disk/partition/MBR"
	"github.com/aarsakian/MediaImageForensics/disk/volume"
	"github.com/aarsakian/MediaImageForensics/errno"
	"github.com/aarsakian/MediaImageForensics/img"
	"github.com/aarsakian/MediaImageForensics/img/cdrwin"
	"github.com/aarsakian/MediaImageForensics/img/ewf"
	"github.com/aarsakian/MediaImageForensics/img/qcow"
	"github.com/aarsakian/MediaImageForensics/img/raw"
	"github.com/aarsakian/MediaImageForensics/img/scp"
	"github.com/aarsakian/MediaImageForensics/img/vmdk"
	"github.com/aarsakian/MediaImageForensics/logger"
	"github.com/aarsakian/MediaImageForensics/readers"
)

type ImageDriver func() img.MediaImage

// ImageDrivers are probed in order. Flat images accept almost anything and
// come last.
var ImageDrivers = []ImageDriver{
	func() img.MediaImage { return &qcow.Image{} },
	func() img.MediaImage { return &cdrwin.Image{} },
	func() img.MediaImage { return &scp.Image{} },
	func() img.MediaImage { return &ewf.Image{} },
	func() img.MediaImage { return &vmdk.Image{} },
	func() img.MediaImage { return &raw.Image{} },
}

func identify(image img.MediaImage, filter readers.Filter) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.MILogger.Error(fmt.Sprintf("%s identify panicked on %s: %v", image.Name(), filter.Filename(), r))
			ok = false
		}
	}()
	return image.Identify(filter)
}

// OpenImage opens filter with the first driver that identifies it and
// opens cleanly. The filter stays owned by the caller.
func OpenImage(filter readers.Filter) (img.MediaImage, error) {
	for _, driver := range ImageDrivers {
		image := driver()
		if !identify(image, filter) {
			continue
		}
		if err := image.Open(filter); err != nil {
			logger.MILogger.Warningf("%s identified %s but failed to open: %v", image.Name(), filter.Filename(), err)
			continue
		}
		logger.MILogger.Infof("%s opened as %s image", filter.Filename(), image.Name())
		return image, nil
	}
	return nil, errno.Errorf(errno.NotSupported, "no image format recognised for %s", filter.Filename())
}

type Disk struct {
	Filter     readers.Filter
	Image      img.MediaImage
	MBR        *mbrLib.MBR
	Partitions []partition.Partition
	Volumes    map[uint32]metadata.ReadOnlyFilesystem
}

func (disk *Disk) Initialize(evidencefile string) error {
	filter, err := readers.GetFilter(evidencefile)
	if err != nil {
		return err
	}
	image, err := OpenImage(filter)
	if err != nil {
		return multierr.Append(err, filter.Close())
	}
	disk.Filter, disk.Image = filter, image
	disk.Volumes = map[uint32]metadata.ReadOnlyFilesystem{}
	return nil
}

// DiscoverPartitions maps optical tracks, or the MBR table of block media,
// onto partitions. Media without a table become a single whole partition.
func (disk *Disk) DiscoverPartitions() error {
	disk.Partitions = nil
	if _, ok := disk.Image.(img.FluxImage); ok {
		logger.MILogger.Info("flux capture holds no sectors to partition")
		return nil
	}
	if optical, ok := disk.Image.(img.OpticalImage); ok {
		disk.Partitions = trackPartitions(optical)
		if len(disk.Partitions) > 0 {
			return nil
		}
	}
	sectors := disk.Image.Info().Sectors
	if sectors == 0 {
		return errno.Errorf(errno.InvalidData, "image holds no sectors")
	}
	if err := disk.populateMBR(sectors); err != nil {
		if !errors.Is(err, mbrLib.ErrNoMBR) {
			return err
		}
		logger.MILogger.Info("no partition table found, treating the media as one volume")
		disk.Partitions = []partition.Partition{partition.Whole(sectors)}
		return nil
	}
	if disk.MBR.IsProtective() {
		logger.MILogger.Warning("GPT partitioning is not supported, treating the media as one volume")
		disk.Partitions = []partition.Partition{partition.Whole(sectors)}
		return nil
	}
	for _, candidate := range disk.MBR.ToPartitions() {
		if err := candidate.Validate(sectors); err != nil {
			logger.MILogger.Warningf("partition skipped: %v", err)
			continue
		}
		disk.Partitions = append(disk.Partitions, candidate)
	}
	return nil
}

func (disk *Disk) populateMBR(sectors uint64) error {
	data, err := disk.Image.ReadSector(0)
	if err != nil {
		return err
	}
	var mbr mbrLib.MBR
	if err := mbr.Parse(data, sectors); err != nil {
		return err
	}
	if err := mbr.DiscoverExtendedPartitions(disk.Image.ReadSector); err != nil {
		logger.MILogger.Warningf("extended partitions: %v", err)
	}
	disk.MBR = &mbr
	return nil
}

func trackPartitions(optical img.OpticalImage) []partition.Partition {
	var partitions []partition.Partition
	for _, track := range optical.Tracks() {
		partitions = append(partitions, partition.Partition{
			Sequence: uint32(len(partitions)),
			Start:    track.StartSector,
			Length:   track.Sectors(),
			Type:     track.Type.String(),
			Name:     fmt.Sprintf("Track %d (session %d)", track.Sequence, track.Session),
			Scheme:   "optical",
		})
	}
	return partitions
}

// DiscoverFileSystems mounts every partition, or only partitionNum when it
// is not -1. Unknown filesystems are logged and skipped.
func (disk *Disk) DiscoverFileSystems(partitionNum int, opts volume.Options) {
	if disk.Volumes == nil {
		disk.Volumes = map[uint32]metadata.ReadOnlyFilesystem{}
	}
	for idx, part := range disk.Partitions {
		if partitionNum != -1 && partitionNum != idx {
			continue
		}
		if _, ok := disk.Volumes[part.Sequence]; ok {
			continue
		}
		fs, err := volume.Locate(disk.Image, part, opts)
		if err != nil {
			logger.MILogger.Error(fmt.Sprintf("partition %d: %v", idx, err))
			continue
		}
		msg := "Partition %d %s at %d sector"
		logger.MILogger.Info(fmt.Sprintf(msg, idx, fs.Metadata().Type, part.Start))
		disk.Volumes[part.Sequence] = fs
	}
}

// GetFileSystem returns the mounted filesystem of a discovered partition.
func (disk Disk) GetFileSystem(partitionNum int) (metadata.ReadOnlyFilesystem, error) {
	if partitionNum < 0 || partitionNum >= len(disk.Partitions) {
		return nil, errno.Errorf(errno.InvalidArgument, "partition %d of %d", partitionNum, len(disk.Partitions))
	}
	fs, ok := disk.Volumes[disk.Partitions[partitionNum].Sequence]
	if !ok {
		return nil, errno.Errorf(errno.NotSupported, "no known filesystem at partition %d", partitionNum)
	}
	return fs, nil
}

func (disk Disk) ListPartitions(w io.Writer) {
	info := disk.Image.Info()
	fmt.Fprintf(w, "%s image, %s, %d sectors of %d bytes\n", disk.Image.Name(), info.MediaType, info.Sectors, info.SectorSize)
	for idx, part := range disk.Partitions {
		fmt.Fprintf(w, "%d\t%s", idx, part)
		if fs, ok := disk.Volumes[part.Sequence]; ok {
			fmt.Fprintf(w, "\t%s", fs.Metadata().Type)
		}
		fmt.Fprintln(w)
	}
}

// ShowVolumeInfo prints the metadata of every mounted filesystem.
func (disk Disk) ShowVolumeInfo(w io.Writer) {
	sequences := make([]uint32, 0, len(disk.Volumes))
	for sequence := range disk.Volumes {
		sequences = append(sequences, sequence)
	}
	slices.Sort(sequences)
	for _, sequence := range sequences {
		meta := disk.Volumes[sequence].Metadata()
		fmt.Fprintf(w, "partition %d: %s %q serial %s, %d clusters of %d bytes",
			sequence, meta.Type, meta.VolumeName, meta.VolumeSerial, meta.Clusters, meta.ClusterSize)
		if meta.FreeClustersKnown {
			fmt.Fprintf(w, ", %d free", meta.FreeClusters)
		}
		fmt.Fprintln(w)
	}
}

// Close unmounts every volume, then releases the image and the filter.
func (disk *Disk) Close() error {
	var err error
	for sequence, fs := range disk.Volumes {
		err = multierr.Append(err, fs.Unmount())
		delete(disk.Volumes, sequence)
	}
	if disk.Image != nil {
		err = multierr.Append(err, disk.Image.Close())
		disk.Image = nil
	}
	if disk.Filter != nil {
		err = multierr.Append(err, disk.Filter.Close())
		disk.Filter = nil
	}
	return err
}
