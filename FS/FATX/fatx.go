// Package FATX mounts the FAT variants of the original Xbox (FATX) and the
// Xbox 360 (XTAF) read only.
package FATX

import (
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/text/encoding"

	metadata "github.com/aarsakian/MediaImageForensics/FS"
	"github.com/aarsakian/MediaImageForensics/disk/partition"
	"github.com/aarsakian/MediaImageForensics/errno"
	"github.com/aarsakian/MediaImageForensics/img"
	"github.com/aarsakian/MediaImageForensics/logger"
	"github.com/aarsakian/MediaImageForensics/utils"
)

type Entry struct {
	Name    string
	Raw     DirEntry
	Cluster uint32
	Info    metadata.FileEntryInfo
}

func (entry *Entry) IsDir() bool {
	return entry.Raw.Attributes&attrDirectory != 0
}

type FileSystem struct {
	state    metadata.MountState
	image    img.MediaImage
	part     partition.Partition
	encoding encoding.Encoding
	geometry *layout
	fat      []byte
	cache    *metadata.DirectoryCache[*Entry]
	meta     metadata.Metadata
	free     uint64
}

type fileNode struct {
	metadata.BaseFileNode
	extents []metadata.Extent
}

func (fs *FileSystem) Name() string {
	return "FATX"
}

func readSuperblock(image img.MediaImage, part partition.Partition) (*layout, error) {
	sectorSize := image.Info().SectorSize
	partitionBytes := part.Length * uint64(sectorSize)
	if partitionBytes < superblockSize {
		return nil, errno.Errorf(errno.InvalidData, "partition of %d bytes", partitionBytes)
	}
	raw, err := metadata.ReadBytes(image, part, 0, superblockSize)
	if err != nil {
		return nil, err
	}
	return parseLayout(raw, partitionBytes, sectorSize)
}

func (fs *FileSystem) Identify(image img.MediaImage, part partition.Partition) bool {
	geometry, err := readSuperblock(image, part)
	if err != nil {
		logger.MILogger.Debug(fmt.Sprintf("FATX rejected partition %d: %v", part.Sequence, err))
		return false
	}
	logger.MILogger.Infof("partition %d identified as %s", part.Sequence, geometry.kind())
	return true
}

func (fs *FileSystem) Mount(image img.MediaImage, part partition.Partition, enc encoding.Encoding,
	options map[string]string, namespace string) error {
	if err := fs.state.CheckUnmounted(); err != nil {
		return err
	}
	if namespace != "" {
		logger.MILogger.Warningf("FATX has a single namespace, %q ignored", namespace)
	}
	geometry, err := readSuperblock(image, part)
	if err != nil {
		return err
	}
	fs.image, fs.part, fs.geometry = image, part, geometry
	fs.encoding = metadata.EncodingOr(enc, metadata.DefaultEncoding)

	fs.fat, err = metadata.ReadBytes(image, part, superblockSize, int64(geometry.fatBytes))
	if err != nil {
		return fmt.Errorf("reading FAT: %w", err)
	}
	data, err := fs.readChain(geometry.rootCluster)
	if err != nil {
		return fmt.Errorf("reading root directory: %w", err)
	}
	fs.cache = metadata.NewDirectoryCache(fs.directory(data), (*Entry).IsDir, fs.loadDirectory)
	fs.cache.TrackIdentity(uint64(geometry.rootCluster), func(entry *Entry) uint64 { return uint64(entry.Cluster) })

	fs.free = 0
	for cluster := uint32(1); cluster <= geometry.clusters; cluster++ {
		if geometry.entry(fs.fat, cluster) == 0 {
			fs.free++
		}
	}
	fs.meta = metadata.Metadata{
		Type:              geometry.kind(),
		ClusterSize:       uint32(geometry.clusterBytes),
		Clusters:          uint64(geometry.clusters),
		FreeClusters:      fs.free,
		FreeClustersKnown: true,
		VolumeSerial:      fmt.Sprintf("%08X", geometry.volumeID),
	}
	fs.state.SetMounted()
	logger.MILogger.Infof("mounted %s volume %s: %d clusters of %d bytes, %d free",
		fs.meta.Type, fs.meta.VolumeSerial, geometry.clusters, geometry.clusterBytes, fs.free)
	return nil
}

// decodeDirectory stops at the first record whose name length is 0x00 or
// 0xFF and skips deleted records.
func (fs *FileSystem) decodeDirectory(data []byte) []*Entry {
	var entries []*Entry
	for pos := 0; pos+direntSize <= len(data); pos += direntSize {
		marker := data[pos]
		if marker == 0x00 || marker == 0xFF {
			break
		}
		if marker == deletedMarker {
			continue
		}
		var raw DirEntry
		var err error
		if fs.geometry.order == binary.BigEndian {
			_, err = utils.UnmarshalBE(data[pos:pos+direntSize], &raw)
		} else {
			_, err = utils.Unmarshal(data[pos:pos+direntSize], &raw)
		}
		if err != nil || raw.NameLength > maxNameLength {
			logger.MILogger.Warningf("malformed directory record at %d skipped", pos)
			continue
		}
		entry := &Entry{
			Name:    metadata.DecodeName(fs.encoding, raw.Name[:raw.NameLength]),
			Raw:     raw,
			Cluster: raw.FirstCluster,
		}
		entry.Info = fs.info(raw)
		entries = append(entries, entry)
	}
	return entries
}

func (fs *FileSystem) info(raw DirEntry) metadata.FileEntryInfo {
	info := metadata.FileEntryInfo{
		Length:        int64(raw.Size),
		BlockSize:     int64(fs.geometry.clusterBytes),
		Inode:         uint64(raw.FirstCluster),
		Links:         1,
		CreationTime:  utils.DosToTime(raw.CreateDate, raw.CreateTime, fs.geometry.yearBase),
		AccessTime:    utils.DosToTime(raw.AccessDate, raw.AccessTime, fs.geometry.yearBase),
		LastWriteTime: utils.DosToTime(raw.WriteDate, raw.WriteTime, fs.geometry.yearBase),
	}
	info.Blocks = (info.Length + info.BlockSize - 1) / info.BlockSize
	if raw.Attributes&attrDirectory != 0 {
		info.Attributes |= metadata.AttrDirectory
		info.Length = 0
	} else {
		info.Attributes |= metadata.AttrFile
	}
	for flag, attribute := range map[uint8]metadata.FileAttributes{
		attrReadOnly: metadata.AttrReadOnly,
		attrHidden:   metadata.AttrHidden,
		attrSystem:   metadata.AttrSystem,
		attrArchive:  metadata.AttrArchive,
	} {
		if raw.Attributes&flag != 0 {
			info.Attributes |= attribute
		}
	}
	return info
}

func (fs *FileSystem) directory(data []byte) *metadata.Directory[*Entry] {
	dir := metadata.NewDirectory[*Entry]()
	for _, entry := range fs.decodeDirectory(data) {
		if !dir.Add(entry.Name, entry) {
			logger.MILogger.Warningf("duplicate directory entry %s skipped", entry.Name)
		}
	}
	return dir
}

func (fs *FileSystem) loadDirectory(dirPath string, entry *Entry) (*metadata.Directory[*Entry], error) {
	data, err := fs.readChain(entry.Cluster)
	if err != nil {
		return nil, fmt.Errorf("reading directory %s: %w", dirPath, err)
	}
	return fs.directory(data), nil
}

// chain resolves the clusters of a file starting at first.
func (fs *FileSystem) chain(first uint32) ([]uint32, error) {
	if first == 0 {
		return nil, nil
	}
	last := fs.geometry.clusters
	if first > last {
		return nil, errno.Errorf(errno.InvalidData, "first cluster %d outside 1..%d", first, last)
	}
	endOfChain := fs.geometry.endOfChain()
	next := func(cluster uint32) (uint32, error) {
		successor := fs.geometry.entry(fs.fat, cluster)
		if successor >= endOfChain {
			return successor, nil
		}
		if successor < 1 || successor > last {
			return 0, errno.Errorf(errno.InvalidData, "cluster %d links to %d", cluster, successor)
		}
		return successor, nil
	}
	isEnd := func(cluster uint32) bool { return cluster >= endOfChain }
	return metadata.FollowChain(first, next, isEnd, int(fs.geometry.clusters))
}

func (fs *FileSystem) readClusters(start, count uint64) ([]byte, error) {
	offset := fs.geometry.dataOffset + (start-1)*fs.geometry.clusterBytes
	return metadata.ReadBytes(fs.image, fs.part, int64(offset), int64(count*fs.geometry.clusterBytes))
}

func (fs *FileSystem) readChain(first uint32) ([]byte, error) {
	chain, err := fs.chain(first)
	if err != nil {
		return nil, err
	}
	length := int64(len(chain)) * int64(fs.geometry.clusterBytes)
	return metadata.ReadExtents(metadata.ChainExtents(chain), int64(fs.geometry.clusterBytes), 0, length, fs.readClusters)
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
	return metadata.FileSystemInfo{
		Type:           fs.meta.Type,
		Blocks:         uint64(fs.geometry.clusters),
		FreeBlocks:     fs.free,
		FilenameLength: maxNameLength,
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
		return errno.Errorf(errno.InvalidArgument, "not a FATX file node")
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
		return 0, errno.Errorf(errno.InvalidArgument, "not a FATX file node")
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
