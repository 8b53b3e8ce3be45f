// Package ISO9660 mounts ISO9660 volumes with the Joliet, Rock Ridge and
// CD-XA extensions.
package ISO9660

import (
	"fmt"
	"io"
	"slices"

	"golang.org/x/text/encoding"

	metadata "github.com/aarsakian/MediaImageForensics/FS"
	"github.com/aarsakian/MediaImageForensics/disk/partition"
	"github.com/aarsakian/MediaImageForensics/errno"
	"github.com/aarsakian/MediaImageForensics/img"
	"github.com/aarsakian/MediaImageForensics/logger"
)

const (
	NamespaceNormal = "normal"
	NamespaceVMS    = "vms"
	NamespaceJoliet = "joliet"
	NamespaceRRIP   = "rrip"

	XattrAssociated = "org.iso.9660.AssociatedFile"
	XattrEA         = "org.iso.9660.ea"
	XattrXA         = "org.iso.cdxa"
	XattrSubHeader  = "org.iso.mode2.subheader"

	pvdFile       = "$PVD"
	pathTableFile = "$PATH_TABLE"
)

type FileSystem struct {
	state      metadata.MountState
	image      img.MediaImage
	optical    img.OpticalImage // set when long sectors map one to one onto blocks
	part       partition.Partition
	blockSize  int64
	set        *descriptorSet
	decoder    nameDecoder
	rrNames    bool
	namespace  string
	root       *Entry
	cache      *metadata.DirectoryCache[*Entry]
	pathTable  []PathTableRecord
	meta       metadata.Metadata
	volumeSize uint64
}

type fileNode struct {
	metadata.BaseFileNode
	entry *Entry
	xa    []xaSector
}

func (fs *FileSystem) Name() string {
	return "ISO9660"
}

func readDescriptor(image img.MediaImage, part partition.Partition) func(sector uint64) ([]byte, error) {
	return func(sector uint64) ([]byte, error) {
		return metadata.ReadBytes(image, part, int64(sector)*sectorSize, sectorSize)
	}
}

func (fs *FileSystem) Identify(image img.MediaImage, part partition.Partition) bool {
	if part.Length*uint64(image.Info().SectorSize) < (descriptorStart+1)*sectorSize {
		return false
	}
	raw, err := readDescriptor(image, part)(descriptorStart)
	if err != nil || !validDescriptor(raw) {
		return false
	}
	switch raw[0] {
	case typeBootRecord, typePrimary, typeSupplementary, typePartition, typeTerminator:
		logger.MILogger.Infof("partition %d identified as ISO9660", part.Sequence)
		return true
	}
	return false
}

func (fs *FileSystem) readBlocks(start, count uint64) ([]byte, error) {
	return metadata.ReadBytes(fs.image, fs.part, int64(start)*fs.blockSize, int64(count)*fs.blockSize)
}

func (fs *FileSystem) readContinuation(block, offset, length uint32) ([]byte, error) {
	return metadata.ReadBytes(fs.image, fs.part, int64(block)*fs.blockSize+int64(offset), int64(length))
}

func (fs *FileSystem) readEntry(entry *Entry, offset, length int64) ([]byte, error) {
	return metadata.ReadExtents(entry.Extents, fs.blockSize, offset, length, fs.readBlocks)
}

func rootEntry(vd *VolumeDescriptor) (*Entry, error) {
	records := splitRecords(vd.RootRecord[:], len(vd.RootRecord))
	if len(records) != 1 || records[0].header.Flags&flagDirectory == 0 {
		return nil, errno.Errorf(errno.InvalidData, "root directory record")
	}
	header := records[0].header
	return &Entry{
		Name:   "/",
		Record: header,
		Extents: []metadata.Extent{{
			Start:  uint64(header.Extent) + uint64(header.ExtAttrLength),
			Length: (uint64(header.Size) + uint64(vd.LogicalBlockSize) - 1) / uint64(vd.LogicalBlockSize),
		}},
		Size: int64(header.Size),
	}, nil
}

func (fs *FileSystem) Mount(image img.MediaImage, part partition.Partition, enc encoding.Encoding,
	options map[string]string, namespace string) error {
	if err := fs.state.CheckUnmounted(); err != nil {
		return err
	}
	switch namespace {
	case "", NamespaceNormal, NamespaceVMS, NamespaceJoliet, NamespaceRRIP:
	default:
		return errno.Errorf(errno.InvalidArgument, "namespace %q", namespace)
	}
	set, err := readDescriptors(readDescriptor(image, part))
	if err != nil {
		return err
	}
	pvd := set.primary
	switch pvd.LogicalBlockSize {
	case 512, 1024, 2048:
	default:
		return errno.Errorf(errno.InvalidData, "logical block size %d", pvd.LogicalBlockSize)
	}
	fs.image, fs.part, fs.set = image, part, set
	fs.blockSize = int64(pvd.LogicalBlockSize)
	fs.volumeSize = uint64(pvd.VolumeSpaceSize)
	partitionBytes := part.Length * uint64(image.Info().SectorSize)
	if fs.volumeSize*uint64(fs.blockSize) > partitionBytes {
		return errno.Errorf(errno.InvalidData, "volume of %d blocks in a partition of %d bytes", fs.volumeSize, partitionBytes)
	}

	primaryRoot, err := rootEntry(pvd)
	if err != nil {
		return err
	}
	primaryData, err := fs.readEntry(primaryRoot, 0, primaryRoot.Size)
	if err != nil {
		return fmt.Errorf("reading root directory: %w", err)
	}
	rockRidge := fs.detectRockRidge(primaryData)

	switch {
	case namespace == "" && set.joliet != nil:
		namespace = NamespaceJoliet
	case namespace == "" && rockRidge:
		namespace = NamespaceRRIP
	case namespace == "":
		namespace = NamespaceNormal
	case namespace == NamespaceJoliet && set.joliet == nil:
		return errno.Errorf(errno.InvalidArgument, "volume has no Joliet descriptor")
	case namespace == NamespaceRRIP && !rockRidge:
		return errno.Errorf(errno.InvalidArgument, "volume has no Rock Ridge extensions")
	}
	fs.namespace = namespace
	fs.decoder = nameDecoder{
		joliet:       namespace == NamespaceJoliet,
		keepVersions: namespace == NamespaceVMS,
		encoding:     metadata.EncodingOr(enc, metadata.DefaultEncoding),
	}
	fs.rrNames = namespace == NamespaceRRIP

	fs.root = primaryRoot
	rootData := primaryData
	if namespace == NamespaceJoliet {
		if fs.root, err = rootEntry(set.joliet); err != nil {
			return err
		}
		if rootData, err = fs.readEntry(fs.root, 0, fs.root.Size); err != nil {
			return fmt.Errorf("reading Joliet root directory: %w", err)
		}
	}
	root := fs.directory(rootData)

	fs.pathTable = nil
	tableBytes, err := metadata.ReadBytes(image, part, int64(pvd.PathTableL)*fs.blockSize, int64(pvd.PathTableSize))
	if err != nil {
		logger.MILogger.Warningf("path table unreadable: %v", err)
	} else {
		fs.pathTable = decodePathTable(tableBytes)
		if len(fs.pathTable) == 0 || fs.pathTable[0].Extent != primaryRoot.Record.Extent {
			logger.MILogger.Warningf("path table root does not match root directory at %d", primaryRoot.Record.Extent)
		}
	}
	if metadata.DebugOption(options) {
		root.Add(pvdFile, &Entry{Name: pvdFile, Synthetic: set.primaryRaw, Size: int64(len(set.primaryRaw))})
		if tableBytes != nil {
			root.Add(pathTableFile, &Entry{Name: pathTableFile, Synthetic: tableBytes, Size: int64(len(tableBytes))})
		}
	}
	fs.cache = metadata.NewDirectoryCache(root, (*Entry).IsDir, fs.loadDirectory)
	fs.cache.TrackIdentity(uint64(fs.root.Record.Extent), func(entry *Entry) uint64 { return uint64(entry.Record.Extent) })

	fs.optical = nil
	if optical, ok := image.(img.OpticalImage); ok && int64(image.Info().SectorSize) == fs.blockSize {
		fs.optical = optical
	}

	names := pvd
	if namespace == NamespaceJoliet {
		names = set.joliet
	}
	fs.meta = metadata.Metadata{
		Type:                  "ISO9660",
		ClusterSize:           uint32(fs.blockSize),
		Clusters:              fs.volumeSize,
		FreeClustersKnown:     true,
		VolumeName:            names.text(names.VolumeID[:]),
		VolumeSetIdentifier:   names.text(names.VolumeSetID[:]),
		PublisherIdentifier:   names.text(names.PublisherID[:]),
		ApplicationIdentifier: names.text(names.ApplicationID[:]),
		SystemIdentifier:      names.text(names.SystemID[:]),
		CreationDate:          decimalDate(pvd.CreationDate),
		ModificationDate:      decimalDate(pvd.ModificationDate),
		Bootable:              set.bootable,
	}
	fs.state.SetMounted()
	logger.MILogger.Infof("mounted ISO9660 volume %q, namespace %s, %d blocks of %d bytes, XA %t",
		fs.meta.VolumeName, namespace, fs.volumeSize, fs.blockSize, set.xa)
	return nil
}

// detectRockRidge looks for SUSP and RRIP entries in the "." record of the
// primary root directory.
func (fs *FileSystem) detectRockRidge(rootData []byte) bool {
	records := splitRecords(rootData, int(fs.blockSize))
	if len(records) == 0 || !isSelfOrParent(records[0].name) {
		return false
	}
	_, _, susp := systemUse(records[0].use)
	entries := suspEntries(susp, fs.readContinuation)
	return hasSUSP(entries) && hasRockRidge(entries)
}

func (fs *FileSystem) directory(data []byte) *metadata.Directory[*Entry] {
	records := splitRecords(data, int(fs.blockSize))
	dir := metadata.NewDirectory[*Entry]()
	for _, entry := range decodeRecords(records, fs.decoder, fs.rrNames, fs.blockSize, fs.readContinuation) {
		if !dir.Add(entry.Name, entry) {
			logger.MILogger.Warningf("duplicate directory entry %s skipped", entry.Name)
		}
	}
	return dir
}

func (fs *FileSystem) loadDirectory(dirPath string, entry *Entry) (*metadata.Directory[*Entry], error) {
	data, err := fs.readEntry(entry, 0, entry.Size)
	if err != nil {
		return nil, fmt.Errorf("reading directory %s: %w", dirPath, err)
	}
	return fs.directory(data), nil
}

func (fs *FileSystem) Unmount() error {
	if err := fs.state.Unmount(); err != nil {
		return err
	}
	fs.cache, fs.image, fs.optical, fs.set, fs.pathTable = nil, nil, nil, nil, nil
	return nil
}

func (fs *FileSystem) Metadata() metadata.Metadata {
	return fs.meta
}

func (fs *FileSystem) StatFs() (metadata.FileSystemInfo, error) {
	if err := fs.state.Check(); err != nil {
		return metadata.FileSystemInfo{}, err
	}
	filenameLength := uint16(30)
	switch fs.namespace {
	case NamespaceJoliet:
		filenameLength = 64
	case NamespaceRRIP:
		filenameLength = 255
	}
	return metadata.FileSystemInfo{
		Type:           fs.meta.Type,
		Blocks:         fs.volumeSize,
		FilenameLength: filenameLength,
		Files:          uint64(len(fs.pathTable)),
		ID:             fs.meta.VolumeName,
	}, nil
}

func (fs *FileSystem) lookup(path string) (*Entry, error) {
	if err := fs.state.Check(); err != nil {
		return nil, err
	}
	if metadata.IsRoot(path) {
		return fs.root, nil
	}
	return fs.cache.Entry(path)
}

func (fs *FileSystem) Stat(path string) (metadata.FileEntryInfo, error) {
	entry, err := fs.lookup(path)
	if err != nil {
		return metadata.FileEntryInfo{}, err
	}
	if entry.Synthetic != nil {
		return metadata.FileEntryInfo{
			Attributes: metadata.AttrFile | metadata.AttrSystem,
			Length:     entry.Size,
			Blocks:     (entry.Size + fs.blockSize - 1) / fs.blockSize,
			BlockSize:  fs.blockSize,
			Links:      1,
		}, nil
	}
	info := entry.info(fs.blockSize)
	if entry == fs.root {
		info.Attributes |= metadata.AttrDirectory
	}
	return info, nil
}

func (fs *FileSystem) OpenFile(path string) (metadata.FileNode, error) {
	entry, err := fs.lookup(path)
	if err != nil {
		return nil, err
	}
	if entry == fs.root || entry.IsDir() {
		return nil, errno.Errorf(errno.IsADirectory, "%s", path)
	}
	node := &fileNode{BaseFileNode: metadata.NewBaseFileNode(path, entry.Size), entry: entry}
	if entry.Synthetic == nil && entry.interleaved() && fs.optical != nil {
		sectors, length, err := xaLayout(fs.optical, fs.part.Start, entry)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		node.xa = sectors
		node.BaseFileNode = metadata.NewBaseFileNode(path, length)
	}
	return node, nil
}

func (fs *FileSystem) CloseFile(node metadata.FileNode) error {
	if err := fs.state.Check(); err != nil {
		return err
	}
	file, ok := node.(*fileNode)
	if !ok {
		return errno.Errorf(errno.InvalidArgument, "not an ISO9660 file node")
	}
	file.xa, file.entry = nil, nil
	return nil
}

func (fs *FileSystem) ReadFile(node metadata.FileNode, length int64, buffer []byte) (int64, error) {
	if err := fs.state.Check(); err != nil {
		return 0, err
	}
	file, ok := node.(*fileNode)
	if !ok || file.entry == nil || length < 0 {
		return 0, errno.Errorf(errno.InvalidArgument, "not an open ISO9660 file node")
	}
	length = metadata.Clamp(file, length, buffer)
	if length == 0 {
		return 0, nil
	}
	var (
		data []byte
		err  error
	)
	switch {
	case file.entry.Synthetic != nil:
		data = file.entry.Synthetic[file.Offset() : file.Offset()+length]
	case file.xa != nil:
		data, err = readXA(fs.optical, file.xa, file.Offset(), length)
	default:
		data, err = fs.readEntry(file.entry, file.Offset(), length)
	}
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
	entry, err := fs.lookup(path)
	if err != nil {
		return nil, err
	}
	names := []string{}
	if entry.Associated != nil {
		names = append(names, XattrAssociated)
	}
	if entry.EAR.Length > 0 {
		names = append(names, XattrEA)
	}
	if entry.XA != nil {
		names = append(names, XattrXA)
		if fs.optical != nil && !entry.IsDir() {
			names = append(names, XattrSubHeader)
		}
	}
	return names, nil
}

func (fs *FileSystem) GetXattr(path, name string) ([]byte, error) {
	entry, err := fs.lookup(path)
	if err != nil {
		return nil, err
	}
	names, _ := fs.ListXAttr(path)
	if !slices.Contains(names, name) {
		return nil, errno.Errorf(errno.NoSuchFile, "%s has no attribute %s", path, name)
	}
	switch name {
	case XattrAssociated:
		return fs.readEntry(entry.Associated, 0, entry.Associated.Size)
	case XattrEA:
		return fs.readBlocks(entry.EAR.Start, entry.EAR.Length)
	case XattrXA:
		return entry.XARaw, nil
	}
	return subHeaders(fs.optical, fs.part.Start, entry)
}

func (fs *FileSystem) ReadLink(path string) (string, error) {
	entry, err := fs.lookup(path)
	if err != nil {
		return "", err
	}
	if entry.RR == nil || !entry.RR.isLink {
		return "", errno.Errorf(errno.InvalidArgument, "%s is not a symbolic link", path)
	}
	return entry.RR.symlink, nil
}

// PathTable lists the decoded type L path table.
func (fs *FileSystem) PathTable() []PathTableRecord {
	return fs.pathTable
}

// VolumeDescriptor returns the raw primary volume descriptor.
func (fs *FileSystem) VolumeDescriptor() []byte {
	if fs.set == nil {
		return nil
	}
	return fs.set.primaryRaw
}
