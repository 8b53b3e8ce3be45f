// Package FAT mounts FAT12, FAT16 and FAT32 volumes read only.
package FAT

import (
	"fmt"
	"io"

	"golang.org/x/text/encoding"

	metadata "github.com/aarsakian/MediaImageForensics/FS"
	"github.com/aarsakian/MediaImageForensics/disk/partition"
	"github.com/aarsakian/MediaImageForensics/errno"
	"github.com/aarsakian/MediaImageForensics/img"
	"github.com/aarsakian/MediaImageForensics/logger"
)

const (
	NamespaceLong  = "lfn"
	NamespaceShort = "dos"
)

type FileSystem struct {
	state     metadata.MountState
	image     img.MediaImage
	part      partition.Partition
	encoding  encoding.Encoding
	shortOnly bool
	geometry  *layout
	fat       []byte
	cache     *metadata.DirectoryCache[*Entry]
	meta      metadata.Metadata
	free      uint64
}

type fileNode struct {
	metadata.BaseFileNode
	extents []metadata.Extent
}

func (fs *FileSystem) Name() string {
	return "FAT"
}

// readBoot returns the boot sector plus the following sector, which starts
// the FAT on BPB-less floppies.
func readBoot(image img.MediaImage, part partition.Partition) ([]byte, uint64, error) {
	partitionBytes := part.Length * uint64(image.Info().SectorSize)
	size := min(partitionBytes, 1024)
	if size < 512 {
		return nil, 0, errno.Errorf(errno.InvalidData, "partition of %d bytes", partitionBytes)
	}
	boot, err := metadata.ReadBytes(image, part, 0, int64(size))
	return boot, partitionBytes, err
}

func (fs *FileSystem) Identify(image img.MediaImage, part partition.Partition) bool {
	boot, partitionBytes, err := readBoot(image, part)
	if err != nil {
		return false
	}
	geometry, err := parseLayout(boot, partitionBytes)
	if err != nil {
		logger.MILogger.Debug(fmt.Sprintf("FAT rejected partition %d: %v", part.Sequence, err))
		return false
	}
	logger.MILogger.Infof("partition %d identified as %s", part.Sequence, geometry.width)
	return true
}

func (fs *FileSystem) Mount(image img.MediaImage, part partition.Partition, enc encoding.Encoding,
	options map[string]string, namespace string) error {
	if err := fs.state.CheckUnmounted(); err != nil {
		return err
	}
	switch namespace {
	case "", NamespaceLong:
		fs.shortOnly = false
	case NamespaceShort:
		fs.shortOnly = true
	default:
		return errno.Errorf(errno.InvalidArgument, "namespace %q", namespace)
	}
	boot, partitionBytes, err := readBoot(image, part)
	if err != nil {
		return err
	}
	geometry, err := parseLayout(boot, partitionBytes)
	if err != nil {
		return err
	}
	fs.image, fs.part, fs.geometry = image, part, geometry
	fs.encoding = metadata.EncodingOr(enc, metadata.DefaultEncoding)

	fs.fat, err = metadata.ReadBytes(image, part, int64(geometry.fatOffset), int64(geometry.fatBytes))
	if err != nil {
		return fmt.Errorf("reading FAT: %w", err)
	}

	root, label, err := fs.readRoot()
	if err != nil {
		return err
	}
	fs.cache = metadata.NewDirectoryCache(root, (*Entry).IsDir, fs.loadDirectory)
	fs.cache.TrackIdentity(uint64(geometry.rootCluster), func(entry *Entry) uint64 { return uint64(entry.Cluster) })

	fs.free = 0
	for cluster := uint32(2); cluster < geometry.clusters+2; cluster++ {
		if geometry.entry(fs.fat, cluster) == 0 {
			fs.free++
		}
	}
	if label == "" {
		label = geometry.label
	}
	fs.meta = metadata.Metadata{
		Type:              geometry.width.String(),
		ClusterSize:       uint32(geometry.clusterBytes),
		Clusters:          uint64(geometry.clusters),
		FreeClusters:      fs.free,
		FreeClustersKnown: true,
		VolumeName:        label,
		SystemIdentifier:  geometry.oemName,
		Bootable:          len(boot) >= 512 && boot[510] == 0x55 && boot[511] == 0xAA,
		Dirty:             geometry.dirty(fs.fat),
	}
	if geometry.serialKnown {
		fs.meta.VolumeSerial = fmt.Sprintf("%04X-%04X", geometry.serial>>16, geometry.serial&0xFFFF)
	}
	fs.state.SetMounted()
	logger.MILogger.Infof("mounted %s volume %q: %d clusters of %d bytes, %d free",
		fs.meta.Type, fs.meta.VolumeName, geometry.clusters, geometry.clusterBytes, fs.free)
	return nil
}

func (fs *FileSystem) readRoot() (*metadata.Directory[*Entry], string, error) {
	var (
		data []byte
		err  error
	)
	if fs.geometry.width == FAT32 {
		data, err = fs.readChain(fs.geometry.rootCluster)
	} else {
		data, err = metadata.ReadBytes(fs.image, fs.part, int64(fs.geometry.rootOffset), int64(fs.geometry.rootEntries*entrySize))
	}
	if err != nil {
		return nil, "", fmt.Errorf("reading root directory: %w", err)
	}
	return fs.directory(data)
}

func (fs *FileSystem) directory(data []byte) (*metadata.Directory[*Entry], string, error) {
	entries, label := decodeDirectory(data, fs.encoding, fs.shortOnly, fs.geometry.clusterBytes)
	dir := metadata.NewDirectory[*Entry]()
	for _, entry := range entries {
		if fs.geometry.width != FAT32 {
			entry.Cluster &= 0xFFFF
			entry.Info.Inode = uint64(entry.Cluster)
		}
		if !dir.Add(entry.Name, entry) {
			logger.MILogger.Warningf("duplicate directory entry %s skipped", entry.Name)
		}
	}
	return dir, label, nil
}

func (fs *FileSystem) loadDirectory(dirPath string, entry *Entry) (*metadata.Directory[*Entry], error) {
	data, err := fs.readChain(entry.Cluster)
	if err != nil {
		return nil, fmt.Errorf("reading directory %s: %w", dirPath, err)
	}
	dir, _, err := fs.directory(data)
	return dir, err
}

// chain resolves the clusters of a file starting at first.
func (fs *FileSystem) chain(first uint32) ([]uint32, error) {
	if first == 0 {
		return nil, nil
	}
	last := fs.geometry.clusters + 1
	if first < 2 || first > last {
		return nil, errno.Errorf(errno.InvalidData, "first cluster %d outside 2..%d", first, last)
	}
	endOfChain := fs.geometry.endOfChain()
	next := func(cluster uint32) (uint32, error) {
		successor := fs.geometry.entry(fs.fat, cluster)
		if successor >= endOfChain {
			return successor, nil
		}
		if successor < 2 || successor > last {
			return 0, errno.Errorf(errno.InvalidData, "cluster %d links to %d", cluster, successor)
		}
		return successor, nil
	}
	isEnd := func(cluster uint32) bool { return cluster >= endOfChain }
	return metadata.FollowChain(first, next, isEnd, int(fs.geometry.clusters))
}

func (fs *FileSystem) readClusters(start, count uint64) ([]byte, error) {
	offset := fs.geometry.dataOffset + (start-2)*fs.geometry.clusterBytes
	return metadata.ReadBytes(fs.image, fs.part, int64(offset), int64(count*fs.geometry.clusterBytes))
}

func (fs *FileSystem) readChain(first uint32) ([]byte, error) {
	chain, err := fs.chain(first)
	if err != nil {
		return nil, err
	}
	extents := metadata.ChainExtents(chain)
	length := int64(len(chain)) * int64(fs.geometry.clusterBytes)
	return metadata.ReadExtents(extents, int64(fs.geometry.clusterBytes), 0, length, fs.readClusters)
}

func (fs *FileSystem) Unmount() error {
	if err := fs.state.Unmount(); err != nil {
		return err
	}
	fs.cache, fs.fat, fs.image = nil, nil, nil
	return nil
}

func (fs *FileSystem) Metadata() metadata.Metadata {
	return fs.meta
}

func (fs *FileSystem) StatFs() (metadata.FileSystemInfo, error) {
	if err := fs.state.Check(); err != nil {
		return metadata.FileSystemInfo{}, err
	}
	filenameLength := uint16(255)
	if fs.shortOnly {
		filenameLength = 12
	}
	return metadata.FileSystemInfo{
		Type:           fs.meta.Type,
		Blocks:         uint64(fs.geometry.clusters),
		FreeBlocks:     fs.free,
		FilenameLength: filenameLength,
		ID:             fs.meta.VolumeSerial,
	}, nil
}

func (fs *FileSystem) Stat(path string) (metadata.FileEntryInfo, error) {
	if err := fs.state.Check(); err != nil {
		return metadata.FileEntryInfo{}, err
	}
	if metadata.IsRoot(path) {
		return metadata.FileEntryInfo{
			Attributes: metadata.AttrDirectory,
			BlockSize:  int64(fs.geometry.clusterBytes),
			Inode:      uint64(fs.geometry.rootCluster),
			Links:      1,
		}, nil
	}
	entry, err := fs.cache.Entry(path)
	if err != nil {
		return metadata.FileEntryInfo{}, err
	}
	return entry.Info, nil
}

func (fs *FileSystem) OpenFile(path string) (metadata.FileNode, error) {
	if err := fs.state.Check(); err != nil {
		return nil, err
	}
	if metadata.IsRoot(path) {
		return nil, errno.Errorf(errno.IsADirectory, "%s", path)
	}
	entry, err := fs.cache.Entry(path)
	if err != nil {
		return nil, err
	}
	if entry.IsDir() {
		return nil, errno.Errorf(errno.IsADirectory, "%s", path)
	}
	chain, err := fs.chain(entry.Cluster)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if uint64(len(chain))*fs.geometry.clusterBytes < uint64(entry.Info.Length) {
		return nil, errno.Errorf(errno.InvalidData, "%s: %d clusters hold less than %d bytes", path, len(chain), entry.Info.Length)
	}
	return &fileNode{
		BaseFileNode: metadata.NewBaseFileNode(path, entry.Info.Length),
		extents:      metadata.ChainExtents(chain),
	}, nil
}

func (fs *FileSystem) CloseFile(node metadata.FileNode) error {
	if err := fs.state.Check(); err != nil {
		return err
	}
	file, ok := node.(*fileNode)
	if !ok {
		return errno.Errorf(errno.InvalidArgument, "not a FAT file node")
	}
	file.extents = nil
	return nil
}

func (fs *FileSystem) ReadFile(node metadata.FileNode, length int64, buffer []byte) (int64, error) {
	if err := fs.state.Check(); err != nil {
		return 0, err
	}
	file, ok := node.(*fileNode)
	if !ok || length < 0 {
		return 0, errno.Errorf(errno.InvalidArgument, "not a FAT file node")
	}
	length = metadata.Clamp(file, length, buffer)
	if length == 0 {
		return 0, nil
	}
	data, err := metadata.ReadExtents(file.extents, int64(fs.geometry.clusterBytes), file.Offset(), length, fs.readClusters)
	if err != nil {
		return 0, err
	}
	copy(buffer, data)
	file.SetOffset(file.Offset() + length)
	return length, nil
}

func (fs *FileSystem) OpenDir(path string) (*metadata.DirNode, error) {
	if err := fs.state.Check(); err != nil {
		return nil, err
	}
	dir, err := fs.cache.ResolveDirectory(path)
	if err != nil {
		return nil, err
	}
	return &metadata.DirNode{Path: path, Contents: dir.Names()}, nil
}

func (fs *FileSystem) ReadDir(node *metadata.DirNode) (string, error) {
	if err := fs.state.Check(); err != nil {
		return "", err
	}
	name, ok := metadata.NextEntry(node)
	if !ok {
		return "", io.EOF
	}
	return name, nil
}

func (fs *FileSystem) CloseDir(node *metadata.DirNode) error {
	if err := fs.state.Check(); err != nil {
		return err
	}
	node.Contents = nil
	return nil
}

func (fs *FileSystem) ListXAttr(path string) ([]string, error) {
	if err := fs.state.Check(); err != nil {
		return nil, err
	}
	return nil, errno.NotSupported
}

func (fs *FileSystem) GetXattr(path, name string) ([]byte, error) {
	if err := fs.state.Check(); err != nil {
		return nil, err
	}
	return nil, errno.NotSupported
}

func (fs *FileSystem) ReadLink(path string) (string, error) {
	if err := fs.state.Check(); err != nil {
		return "", err
	}
	return "", errno.NotSupported
}
