// Package volume finds and mounts the filesystem held by a partition.
package volume

import (
	"fmt"

	"golang.org/x/text/encoding"

	metadata "github.com/aarsakian/MediaImageForensics/FS"
	"github.com/aarsakian/MediaImageForensics/FS/FAT"
	"github.com/aarsakian/MediaImageForensics/FS/FATX"
	"github.com/aarsakian/MediaImageForensics/FS/ISO9660"
	"github.com/aarsakian/MediaImageForensics/FS/UCSDPascal"
	"github.com/aarsakian/MediaImageForensics/disk/partition"
	"github.com/aarsakian/MediaImageForensics/errno"
	"github.com/aarsakian/MediaImageForensics/img"
	"github.com/aarsakian/MediaImageForensics/logger"
)

type Driver func() metadata.ReadOnlyFilesystem

// Drivers are probed in order; signature based formats come before the
// heuristic ones.
var Drivers = []Driver{
	func() metadata.ReadOnlyFilesystem { return &ISO9660.FileSystem{} },
	func() metadata.ReadOnlyFilesystem { return &FATX.FileSystem{} },
	func() metadata.ReadOnlyFilesystem { return &FAT.FileSystem{} },
	func() metadata.ReadOnlyFilesystem { return &UCSDPascal.FileSystem{} },
}

type Options struct {
	Encoding  encoding.Encoding
	Namespace string
	Options   map[string]string
}

// probe runs Identify, treating a panic as a rejection.
func probe(fs metadata.ReadOnlyFilesystem, image img.MediaImage, part partition.Partition) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.MILogger.Error(fmt.Sprintf("%s identify panicked on partition %d: %v", fs.Name(), part.Sequence, r))
			ok = false
		}
	}()
	return fs.Identify(image, part)
}

// Identify lists the names of every driver accepting the partition.
func Identify(image img.MediaImage, part partition.Partition) []string {
	var names []string
	for _, driver := range Drivers {
		fs := driver()
		if probe(fs, image, part) {
			names = append(names, fs.Name())
		}
	}
	return names
}

// Locate mounts the first driver that identifies the partition and mounts
// cleanly. A driver failing to mount hands over to the next candidate.
func Locate(image img.MediaImage, part partition.Partition, opts Options) (metadata.ReadOnlyFilesystem, error) {
	if err := part.Validate(image.Info().Sectors); err != nil {
		return nil, err
	}
	for _, driver := range Drivers {
		fs := driver()
		if !probe(fs, image, part) {
			continue
		}
		err := fs.Mount(image, part, opts.Encoding, opts.Options, opts.Namespace)
		if err == nil {
			return fs, nil
		}
		logger.MILogger.Warningf("%s identified partition %d but failed to mount: %v", fs.Name(), part.Sequence, err)
	}
	return nil, errno.Errorf(errno.NotSupported, "no known filesystem at partition %d", part.Sequence)
}
