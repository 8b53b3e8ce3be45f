// Package UCSDPascal mounts UCSD Pascal (Apple Pascal) volumes. The whole
// catalog is a single flat directory decoded at mount time.
package UCSDPascal

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding"

	metadata "github.com/aarsakian/MediaImageForensics/FS"
	"github.com/aarsakian/MediaImageForensics/disk/partition"
	"github.com/aarsakian/MediaImageForensics/errno"
	"github.com/aarsakian/MediaImageForensics/img"
	"github.com/aarsakian/MediaImageForensics/logger"
	"github.com/aarsakian/MediaImageForensics/utils"
)

const (
	blockSize       = 512
	volumeBlock     = 2
	entryLength     = 26
	maxVolumeName   = 7
	maxFiles        = 77
	invalidNameChar = "$=?,[#:"

	catalogFile = "$"
	bootFile    = "$Boot"
)

var fileKinds = map[uint16]string{
	0: "Untyped",
	1: "Bad Block",
	2: "Code",
	3: "Text",
	4: "Info",
	5: "Data",
	6: "Graphics",
	7: "Foto",
	8: "Secure Directory",
}

// VolumeEntry is the first catalog entry.
type VolumeEntry struct {
	FirstBlock uint16
	LastBlock  uint16 // first block after the catalog
	Kind       uint16
	NameLength uint8
	Name       [7]byte
	Blocks     uint16
	Files      uint16
	LoadTime   uint16
	LastBoot   uint16
	Reserved   [4]byte
}

type FileEntry struct {
	FirstBlock uint16
	LastBlock  uint16 // exclusive
	Kind       uint16
	NameLength uint8
	Name       [15]byte
	LastBytes  uint16
	Modified   uint16
}

func (entry FileEntry) size() int64 {
	return int64(entry.LastBlock-entry.FirstBlock-1)*blockSize + int64(entry.LastBytes)
}

// KindName describes the file kind kept in the low nibble of Kind.
func (entry FileEntry) KindName() string {
	if name, ok := fileKinds[entry.Kind&0x0F]; ok {
		return name
	}
	return "Unknown"
}

// Entry is a catalog file, or a synthetic debug file when Synthetic is set.
type Entry struct {
	Name      string
	Raw       FileEntry
	Synthetic []byte
}

func (entry *Entry) length() int64 {
	if entry.Synthetic != nil {
		return int64(len(entry.Synthetic))
	}
	return entry.Raw.size()
}

type FileSystem struct {
	state     metadata.MountState
	image     img.MediaImage
	part      partition.Partition
	order     binary.ByteOrder
	volume    VolumeEntry
	catalog   []byte
	root      *metadata.Directory[*Entry]
	cache     *metadata.DirectoryCache[*Entry]
	meta      metadata.Metadata
	usedBlock uint64
}

type fileNode struct {
	metadata.BaseFileNode
	entry *Entry
}

func (fs *FileSystem) Name() string {
	return "UCSD Pascal"
}

func partitionBlocks(image img.MediaImage, part partition.Partition) uint64 {
	return part.Length * uint64(image.Info().SectorSize) / blockSize
}

// parseVolume validates the volume entry in the given byte order.
func parseVolume(raw []byte, order binary.ByteOrder, blocks uint64) (VolumeEntry, error) {
	var volume VolumeEntry
	var err error
	if order == binary.BigEndian {
		_, err = utils.UnmarshalBE(raw, &volume)
	} else {
		_, err = utils.Unmarshal(raw, &volume)
	}
	switch {
	case err != nil:
		return volume, err
	case volume.FirstBlock != 0:
		return volume, errno.Errorf(errno.InvalidData, "catalog starts at block %d", volume.FirstBlock)
	case volume.LastBlock <= volume.FirstBlock || uint64(volume.LastBlock) <= volumeBlock:
		return volume, errno.Errorf(errno.InvalidData, "catalog ends at block %d", volume.LastBlock)
	case volume.Kind != 0:
		return volume, errno.Errorf(errno.InvalidData, "volume entry of kind %d", volume.Kind)
	case volume.NameLength < 1 || volume.NameLength > maxVolumeName:
		return volume, errno.Errorf(errno.InvalidData, "volume name of %d characters", volume.NameLength)
	case volume.Files > maxFiles:
		return volume, errno.Errorf(errno.InvalidData, "%d files", volume.Files)
	case uint64(volume.Blocks) != blocks:
		return volume, errno.Errorf(errno.InvalidData, "volume of %d blocks in a partition of %d", volume.Blocks, blocks)
	case uint64(volume.LastBlock) > blocks:
		return volume, errno.Errorf(errno.InvalidData, "catalog beyond the volume")
	}
	for _, char := range volume.Name[:volume.NameLength] {
		if char < 0x20 || char >= 0x7F || strings.IndexByte(invalidNameChar, char) != -1 {
			return volume, errno.Errorf(errno.InvalidData, "volume name character 0x%02x", char)
		}
	}
	return volume, nil
}

// readVolume decodes the volume entry, little endian first.
func readVolume(image img.MediaImage, part partition.Partition) (VolumeEntry, binary.ByteOrder, error) {
	blocks := partitionBlocks(image, part)
	if blocks <= volumeBlock {
		return VolumeEntry{}, nil, errno.Errorf(errno.InvalidData, "partition of %d blocks", blocks)
	}
	raw, err := metadata.ReadBytes(image, part, volumeBlock*blockSize, entryLength)
	if err != nil {
		return VolumeEntry{}, nil, err
	}
	volume, err := parseVolume(raw, binary.LittleEndian, blocks)
	if err == nil {
		return volume, binary.LittleEndian, nil
	}
	volume, beErr := parseVolume(raw, binary.BigEndian, blocks)
	if beErr == nil {
		return volume, binary.BigEndian, nil
	}
	return volume, nil, err
}

func (fs *FileSystem) Identify(image img.MediaImage, part partition.Partition) bool {
	volume, order, err := readVolume(image, part)
	if err != nil {
		logger.MILogger.Debug(fmt.Sprintf("UCSD Pascal rejected partition %d: %v", part.Sequence, err))
		return false
	}
	logger.MILogger.Infof("partition %d identified as UCSD Pascal volume %s (%s)", part.Sequence,
		string(volume.Name[:volume.NameLength]), order)
	return true
}

func (fs *FileSystem) Mount(image img.MediaImage, part partition.Partition, enc encoding.Encoding,
	options map[string]string, namespace string) error {
	if err := fs.state.CheckUnmounted(); err != nil {
		return err
	}
	if namespace != "" {
		logger.MILogger.Warningf("UCSD Pascal has a single namespace, %q ignored", namespace)
	}
	volume, order, err := readVolume(image, part)
	if err != nil {
		return err
	}
	enc = metadata.EncodingOr(enc, metadata.DefaultEncoding)
	catalog, err := metadata.ReadBytes(image, part, volumeBlock*blockSize, int64(volume.LastBlock-volumeBlock)*blockSize)
	if err != nil {
		return fmt.Errorf("reading catalog: %w", err)
	}

	root := metadata.NewDirectory[*Entry]()
	used := uint64(volume.LastBlock)
	for idx := 1; idx <= int(volume.Files); idx++ {
		pos := idx * entryLength
		if pos+entryLength > len(catalog) {
			return errno.Errorf(errno.InvalidData, "catalog holds fewer than %d entries", volume.Files)
		}
		var raw FileEntry
		if order == binary.BigEndian {
			_, err = utils.UnmarshalBE(catalog[pos:], &raw)
		} else {
			_, err = utils.Unmarshal(catalog[pos:], &raw)
		}
		if err != nil {
			return err
		}
		if raw.FirstBlock < volume.LastBlock || raw.LastBlock <= raw.FirstBlock || raw.LastBlock > volume.Blocks {
			return errno.Errorf(errno.InvalidData, "entry %d spans blocks %d..%d outside the volume", idx, raw.FirstBlock, raw.LastBlock)
		}
		if raw.NameLength < 1 || raw.NameLength > 15 || raw.LastBytes > blockSize {
			return errno.Errorf(errno.InvalidData, "entry %d is malformed", idx)
		}
		name := metadata.DecodeName(enc, raw.Name[:raw.NameLength])
		if !root.Add(name, &Entry{Name: name, Raw: raw}) {
			logger.MILogger.Warningf("duplicate catalog entry %s skipped", name)
		}
		used += uint64(raw.LastBlock - raw.FirstBlock)
	}
	if metadata.DebugOption(options) {
		boot, err := metadata.ReadBytes(image, part, 0, 2*blockSize)
		if err != nil {
			return fmt.Errorf("reading boot blocks: %w", err)
		}
		root.Add(catalogFile, &Entry{Name: catalogFile, Synthetic: catalog})
		root.Add(bootFile, &Entry{Name: bootFile, Synthetic: boot})
	}

	fs.image, fs.part, fs.order, fs.volume, fs.catalog = image, part, order, volume, catalog
	fs.root = root
	fs.cache = metadata.NewDirectoryCache(root, func(*Entry) bool { return false },
		func(string, *Entry) (*metadata.Directory[*Entry], error) {
			return nil, errno.NotADirectory
		})
	fs.usedBlock = min(used, uint64(volume.Blocks))
	fs.meta = metadata.Metadata{
		Type:              fs.Name(),
		ClusterSize:       blockSize,
		Clusters:          uint64(volume.Blocks),
		FreeClusters:      uint64(volume.Blocks) - fs.usedBlock,
		FreeClustersKnown: true,
		VolumeName:        metadata.DecodeName(enc, volume.Name[:volume.NameLength]),
		ModificationDate:  utils.UCSDPascalToTime(volume.LastBoot),
	}
	fs.state.SetMounted()
	logger.MILogger.Infof("mounted UCSD Pascal volume %s: %d files, %d of %d blocks used",
		fs.meta.VolumeName, volume.Files, fs.usedBlock, volume.Blocks)
	return nil
}

func (fs *FileSystem) Unmount() error {
	if err := fs.state.Unmount(); err != nil {
		return err
	}
	fs.image, fs.catalog, fs.root, fs.cache = nil, nil, nil, nil
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
		Blocks:         uint64(fs.volume.Blocks),
		FreeBlocks:     fs.meta.FreeClusters,
		Files:          uint64(fs.volume.Files),
		FreeFiles:      uint64(maxFiles - fs.volume.Files),
		FilenameLength: 15,
		ID:             fs.meta.VolumeName,
	}, nil
}

func (fs *FileSystem) Stat(path string) (metadata.FileEntryInfo, error) {
	if err := fs.state.Check(); err != nil {
		return metadata.FileEntryInfo{}, err
	}
	if metadata.IsRoot(path) {
		return metadata.FileEntryInfo{
			Attributes: metadata.AttrDirectory,
			Length:     int64(len(fs.catalog)),
			Blocks:     int64(fs.volume.LastBlock - volumeBlock),
			BlockSize:  blockSize,
			Links:      1,
		}, nil
	}
	entry, err := fs.cache.Entry(path)
	if err != nil {
		return metadata.FileEntryInfo{}, err
	}
	info := metadata.FileEntryInfo{
		Attributes: metadata.AttrFile,
		Length:     entry.length(),
		BlockSize:  blockSize,
		Links:      1,
	}
	if entry.Synthetic != nil {
		info.Attributes |= metadata.AttrSystem
		info.Blocks = (info.Length + blockSize - 1) / blockSize
		return info, nil
	}
	info.Blocks = int64(entry.Raw.LastBlock - entry.Raw.FirstBlock)
	info.Inode = uint64(entry.Raw.FirstBlock)
	info.LastWriteTime = utils.UCSDPascalToTime(entry.Raw.Modified)
	return info, nil
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
	return &fileNode{BaseFileNode: metadata.NewBaseFileNode(path, entry.length()), entry: entry}, nil
}

func (fs *FileSystem) CloseFile(node metadata.FileNode) error {
	if err := fs.state.Check(); err != nil {
		return err
	}
	if _, ok := node.(*fileNode); !ok {
		return errno.Errorf(errno.InvalidArgument, "not a UCSD Pascal file node")
	}
	return nil
}

func (fs *FileSystem) readBlocks(start, count uint64) ([]byte, error) {
	return metadata.ReadBytes(fs.image, fs.part, int64(start)*blockSize, int64(count)*blockSize)
}

func (fs *FileSystem) ReadFile(node metadata.FileNode, length int64, buffer []byte) (int64, error) {
	if err := fs.state.Check(); err != nil {
		return 0, err
	}
	file, ok := node.(*fileNode)
	if !ok || length < 0 {
		return 0, errno.Errorf(errno.InvalidArgument, "not a UCSD Pascal file node")
	}
	length = metadata.Clamp(file, length, buffer)
	if length == 0 {
		return 0, nil
	}
	var data []byte
	if file.entry.Synthetic != nil {
		data = file.entry.Synthetic[file.Offset() : file.Offset()+length]
	} else {
		extent := metadata.Extent{
			Start:  uint64(file.entry.Raw.FirstBlock),
			Length: uint64(file.entry.Raw.LastBlock - file.entry.Raw.FirstBlock),
		}
		var err error
		if data, err = metadata.ReadExtents([]metadata.Extent{extent}, blockSize, file.Offset(), length, fs.readBlocks); err != nil {
			return 0, err
		}
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
