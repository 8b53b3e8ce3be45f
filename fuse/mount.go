//go:build linux || darwin

package fuse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	metadata "github.com/aarsakian/MediaImageForensics/FS"
	"github.com/aarsakian/MediaImageForensics/errno"
	"github.com/aarsakian/MediaImageForensics/logger"
)

// volume serialises every call into the filesystem, which is not safe for
// concurrent use while the kernel issues requests in parallel.
type volume struct {
	mu sync.Mutex
	fs metadata.ReadOnlyFilesystem
}

type node struct {
	fs.Inode
	vol  *volume
	path string
}

type handle struct {
	file metadata.FileNode
}

var _ = (fs.NodeGetattrer)((*node)(nil))
var _ = (fs.NodeLookuper)((*node)(nil))
var _ = (fs.NodeReaddirer)((*node)(nil))
var _ = (fs.NodeOpener)((*node)(nil))
var _ = (fs.NodeReader)((*node)(nil))
var _ = (fs.NodeReleaser)((*node)(nil))
var _ = (fs.NodeReadlinker)((*node)(nil))
var _ = (fs.NodeGetxattrer)((*node)(nil))
var _ = (fs.NodeListxattrer)((*node)(nil))
var _ = (fs.NodeStatfser)((*node)(nil))

// toErrno maps filesystem errors onto the codes the kernel expects.
func toErrno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errno.NoSuchFile):
		return syscall.ENOENT
	case errors.Is(err, errno.NotADirectory):
		return syscall.ENOTDIR
	case errors.Is(err, errno.IsADirectory):
		return syscall.EISDIR
	case errors.Is(err, errno.AccessDenied), errors.Is(err, errno.NotPermitted):
		return syscall.EACCES
	case errors.Is(err, errno.NotSupported), errors.Is(err, errno.NotImplemented):
		return syscall.ENOTSUP
	case errors.Is(err, errno.InvalidArgument):
		return syscall.EINVAL
	}
	return syscall.EIO
}

func fileType(info metadata.FileEntryInfo) uint32 {
	switch {
	case info.IsDir():
		return syscall.S_IFDIR
	case info.Attributes.Has(metadata.AttrSymlink):
		return syscall.S_IFLNK
	case info.Attributes.Has(metadata.AttrCharDevice):
		return syscall.S_IFCHR
	case info.Attributes.Has(metadata.AttrBlockDevice):
		return syscall.S_IFBLK
	case info.Attributes.Has(metadata.AttrPipe):
		return syscall.S_IFIFO
	case info.Attributes.Has(metadata.AttrSocket):
		return syscall.S_IFSOCK
	}
	return syscall.S_IFREG
}

func unixTime(seconds int64) uint64 {
	if seconds < 0 {
		return 0
	}
	return uint64(seconds)
}

// fillAttr converts entry information, dropping every write permission.
func fillAttr(info metadata.FileEntryInfo, out *gofuse.Attr) {
	permissions := uint32(0o444)
	if info.IsDir() {
		permissions = 0o555
	}
	if info.Mode != 0 {
		permissions = info.Mode & 0o7777 &^ 0o222
	}
	if info.Attributes.Has(metadata.AttrSymlink) {
		permissions = 0o777
	}
	out.Mode = fileType(info) | permissions
	out.Size = uint64(max(info.Length, 0))
	out.Blocks = uint64(max(info.Blocks, 0)) * uint64(max(info.BlockSize, 0)) / 512
	if info.BlockSize > 0 {
		out.Blksize = uint32(info.BlockSize)
	}
	out.Nlink = uint32(max(info.Links, 1))
	if info.HasOwnership {
		out.Owner = gofuse.Owner{Uid: info.UID, Gid: info.GID}
	}
	out.Rdev = uint32(info.DeviceNo)
	out.Mtime = unixTime(info.LastWriteTime.Unix())
	out.Atime = unixTime(info.AccessTime.Unix())
	out.Ctime = out.Mtime
	if !info.StatusChangeTime.IsZero() {
		out.Ctime = unixTime(info.StatusChangeTime.Unix())
	}
	if info.LastWriteTime.IsZero() {
		out.Mtime = unixTime(info.CreationTime.Unix())
	}
	if info.AccessTime.IsZero() {
		out.Atime = out.Mtime
	}
}

func (n *node) child(name string) string {
	return metadata.JoinPath(append(metadata.SplitPath(n.path), name)...)
}

func (n *node) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	n.vol.mu.Lock()
	defer n.vol.mu.Unlock()
	info, err := n.vol.fs.Stat(n.path)
	if err != nil {
		return toErrno(err)
	}
	fillAttr(info, &out.Attr)
	return 0
}

func (n *node) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	childPath := n.child(name)
	n.vol.mu.Lock()
	info, err := n.vol.fs.Stat(childPath)
	n.vol.mu.Unlock()
	if err != nil {
		return nil, toErrno(err)
	}
	fillAttr(info, &out.Attr)
	child := &node{vol: n.vol, path: childPath}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: fileType(info)}), 0
}

func (n *node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	n.vol.mu.Lock()
	defer n.vol.mu.Unlock()
	dir, err := n.vol.fs.OpenDir(n.path)
	if err != nil {
		return nil, toErrno(err)
	}
	defer n.vol.fs.CloseDir(dir)
	var entries []gofuse.DirEntry
	for {
		name, err := n.vol.fs.ReadDir(dir)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, toErrno(err)
		}
		mode := uint32(syscall.S_IFREG)
		if info, err := n.vol.fs.Stat(n.child(name)); err == nil {
			mode = fileType(info)
		}
		entries = append(entries, gofuse.DirEntry{Name: name, Mode: mode})
	}
	return fs.NewListDirStream(entries), 0
}

func (n *node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_TRUNC|syscall.O_APPEND) != 0 {
		return nil, 0, syscall.EROFS
	}
	n.vol.mu.Lock()
	defer n.vol.mu.Unlock()
	file, err := n.vol.fs.OpenFile(n.path)
	if err != nil {
		return nil, 0, toErrno(err)
	}
	return &handle{file: file}, gofuse.FOPEN_KEEP_CACHE, 0
}

func (n *node) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	h, ok := fh.(*handle)
	if !ok {
		return nil, syscall.EBADF
	}
	if off >= h.file.Length() {
		return gofuse.ReadResultData(nil), 0
	}
	n.vol.mu.Lock()
	defer n.vol.mu.Unlock()
	if _, err := metadata.Seek(h.file, off, metadata.SeekBegin); err != nil {
		return nil, toErrno(err)
	}
	read, err := n.vol.fs.ReadFile(h.file, int64(len(dest)), dest)
	if err != nil {
		logger.MILogger.Error(fmt.Sprintf("fuse read %s at %d: %v", n.path, off, err))
		return nil, toErrno(err)
	}
	return gofuse.ReadResultData(dest[:read]), 0
}

func (n *node) Release(ctx context.Context, fh fs.FileHandle) syscall.Errno {
	h, ok := fh.(*handle)
	if !ok {
		return syscall.EBADF
	}
	n.vol.mu.Lock()
	defer n.vol.mu.Unlock()
	return toErrno(n.vol.fs.CloseFile(h.file))
}

func (n *node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	n.vol.mu.Lock()
	defer n.vol.mu.Unlock()
	target, err := n.vol.fs.ReadLink(n.path)
	if err != nil {
		return nil, toErrno(err)
	}
	return []byte(target), 0
}

// copyOut follows the xattr convention: an empty dest asks for the size.
func copyOut(value []byte, dest []byte) (uint32, syscall.Errno) {
	if len(dest) == 0 {
		return uint32(len(value)), 0
	}
	if len(dest) < len(value) {
		return uint32(len(value)), syscall.ERANGE
	}
	return uint32(copy(dest, value)), 0
}

func (n *node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	n.vol.mu.Lock()
	value, err := n.vol.fs.GetXattr(n.path, attr)
	n.vol.mu.Unlock()
	if errors.Is(err, errno.NoSuchFile) || errors.Is(err, errno.NotSupported) {
		return 0, fs.ENOATTR
	}
	if err != nil {
		return 0, toErrno(err)
	}
	return copyOut(value, dest)
}

func (n *node) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	n.vol.mu.Lock()
	names, err := n.vol.fs.ListXAttr(n.path)
	n.vol.mu.Unlock()
	if errors.Is(err, errno.NotSupported) {
		return 0, 0
	}
	if err != nil {
		return 0, toErrno(err)
	}
	var list strings.Builder
	for _, name := range names {
		list.WriteString(name)
		list.WriteByte(0)
	}
	return copyOut([]byte(list.String()), dest)
}

func (n *node) Statfs(ctx context.Context, out *gofuse.StatfsOut) syscall.Errno {
	n.vol.mu.Lock()
	defer n.vol.mu.Unlock()
	info, err := n.vol.fs.StatFs()
	if err != nil {
		return toErrno(err)
	}
	out.Blocks = info.Blocks
	out.Bfree = info.FreeBlocks
	out.Bavail = info.FreeBlocks
	out.Files = info.Files
	out.Ffree = info.FreeFiles
	out.Bsize = n.vol.fs.Metadata().ClusterSize
	out.Frsize = out.Bsize
	out.NameLen = uint32(info.FilenameLength)
	return 0
}

type Server struct {
	server *gofuse.Server
}

// Wait blocks until the mount point is unmounted.
func (server *Server) Wait() {
	server.server.Wait()
}

func (server *Server) Unmount() error {
	return server.server.Unmount()
}

// Mount exports rofs read only at mountpoint. The filesystem must stay
// mounted until the returned server is unmounted.
func Mount(rofs metadata.ReadOnlyFilesystem, mountpoint string, opts Options) (*Server, error) {
	root := &node{vol: &volume{fs: rofs}, path: "/"}
	name := opts.Name
	if name == "" {
		name = rofs.Metadata().Type
	}
	fsOpts := &fs.Options{}
	fsOpts.Debug = opts.Debug
	fsOpts.AllowOther = opts.AllowOther
	fsOpts.FsName = name
	fsOpts.Name = strings.ToLower(rofs.Metadata().Type)
	fsOpts.Options = append(fsOpts.Options, "ro")

	server, err := fs.Mount(mountpoint, root, fsOpts)
	if err != nil {
		return nil, err
	}
	logger.MILogger.Infof("exported %s volume %q at %s", rofs.Metadata().Type, rofs.Metadata().VolumeName, mountpoint)
	return &Server{server: server}, nil
}
