// Package metadata holds the read only filesystem contract shared by every
// filesystem driver, plus the path, directory and extent helpers drivers
// build on.
package metadata

import (
	"time"

	"golang.org/x/text/encoding"

	"github.com/aarsakian/MediaImageForensics/disk/partition"
	"github.com/aarsakian/MediaImageForensics/img"
)

// ReadOnlyFilesystem is Unmounted until Mount succeeds; every other
// operation returns errno.AccessDenied while unmounted.
type ReadOnlyFilesystem interface {
	Name() string
	Identify(image img.MediaImage, part partition.Partition) bool
	Mount(image img.MediaImage, part partition.Partition, enc encoding.Encoding, options map[string]string, namespace string) error
	Unmount() error
	Metadata() Metadata
	StatFs() (FileSystemInfo, error)
	Stat(path string) (FileEntryInfo, error)
	OpenFile(path string) (FileNode, error)
	CloseFile(node FileNode) error
	ReadFile(node FileNode, length int64, buffer []byte) (int64, error)
	OpenDir(path string) (*DirNode, error)
	ReadDir(node *DirNode) (string, error) // io.EOF once exhausted
	CloseDir(node *DirNode) error
	ListXAttr(path string) ([]string, error)
	GetXattr(path, name string) ([]byte, error)
	ReadLink(path string) (string, error)
}

// Metadata summarises a mounted volume.
type Metadata struct {
	Type                  string
	ClusterSize           uint32
	Clusters              uint64
	FreeClusters          uint64
	FreeClustersKnown     bool
	VolumeName            string
	VolumeSerial          string
	VolumeSetIdentifier   string
	PublisherIdentifier   string
	ApplicationIdentifier string
	SystemIdentifier      string
	CreationDate          time.Time
	ModificationDate      time.Time
	Bootable              bool
	Dirty                 bool
}

type FileSystemInfo struct {
	Type           string
	Blocks         uint64
	FreeBlocks     uint64
	Files          uint64
	FreeFiles      uint64
	FilenameLength uint16
	ID             string
}

type FileAttributes uint64

const (
	AttrNone      FileAttributes = 0
	AttrDirectory FileAttributes = 1 << iota
	AttrFile
	AttrHidden
	AttrSystem
	AttrReadOnly
	AttrArchive
	AttrSymlink
	AttrDevice
	AttrCharDevice
	AttrBlockDevice
	AttrPipe
	AttrSocket
	AttrInterleaved
	AttrCompressed
	AttrEncrypted
	AttrAlias
	AttrExtents
	AttrDeleted
	AttrAssociated
	AttrVolumeLabel
)

var attributeNames = []struct {
	flag FileAttributes
	name string
}{
	{AttrDirectory, "directory"}, {AttrFile, "file"}, {AttrHidden, "hidden"}, {AttrSystem, "system"},
	{AttrReadOnly, "readonly"}, {AttrArchive, "archive"}, {AttrSymlink, "symlink"}, {AttrDevice, "device"},
	{AttrCharDevice, "chardevice"}, {AttrBlockDevice, "blockdevice"}, {AttrPipe, "pipe"},
	{AttrSocket, "socket"}, {AttrInterleaved, "interleaved"}, {AttrCompressed, "compressed"},
	{AttrEncrypted, "encrypted"}, {AttrAlias, "alias"}, {AttrExtents, "extents"}, {AttrDeleted, "deleted"},
	{AttrAssociated, "associated"}, {AttrVolumeLabel, "volumelabel"},
}

func (attributes FileAttributes) Has(flag FileAttributes) bool {
	return attributes&flag != 0
}

// Names lists the set flags in a stable order.
func (attributes FileAttributes) Names() []string {
	var names []string
	for _, attribute := range attributeNames {
		if attributes.Has(attribute.flag) {
			names = append(names, attribute.name)
		}
	}
	return names
}

type FileEntryInfo struct {
	Attributes              FileAttributes
	Length                  int64
	Blocks                  int64
	BlockSize               int64
	Inode                   uint64
	Links                   uint64
	UID                     uint32
	GID                     uint32
	Mode                    uint32 // POSIX permission bits, zero when not recorded
	HasOwnership            bool
	CreationTime            time.Time
	AccessTime              time.Time
	LastWriteTime           time.Time
	StatusChangeTime        time.Time
	BackupTime              time.Time
	ExtendedAttributeLength uint32
	DeviceNo                uint64
}

func (info FileEntryInfo) IsDir() bool {
	return info.Attributes.Has(AttrDirectory)
}
