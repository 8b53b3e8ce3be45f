package metadata

import (
	"github.com/aarsakian/MediaImageForensics/errno"
)

// FileNode is an open file handle. The filesystem keeps no table of open
// nodes; callers own them between OpenFile and CloseFile.
type FileNode interface {
	Path() string
	Length() int64
	Offset() int64
	SetOffset(offset int64)
}

// BaseFileNode is embedded by driver specific nodes.
type BaseFileNode struct {
	path   string
	length int64
	offset int64
}

func NewBaseFileNode(path string, length int64) BaseFileNode {
	return BaseFileNode{path: path, length: length}
}

func (node *BaseFileNode) Path() string {
	return node.path
}

func (node *BaseFileNode) Length() int64 {
	return node.length
}

func (node *BaseFileNode) Offset() int64 {
	return node.offset
}

func (node *BaseFileNode) SetOffset(offset int64) {
	node.offset = offset
}

type DirNode struct {
	Path     string
	Position int
	Contents []string
}

type SeekOrigin int

const (
	SeekBegin SeekOrigin = iota
	SeekCurrent
	SeekEnd
)

// Seek moves the node cursor. Targets before the start or at or past the
// end of the file are rejected.
func Seek(node FileNode, position int64, origin SeekOrigin) (int64, error) {
	var target int64
	switch origin {
	case SeekBegin:
		target = position
	case SeekCurrent:
		target = node.Offset() + position
	case SeekEnd:
		target = node.Length() + position
	default:
		return node.Offset(), errno.InvalidArgument
	}
	if target < 0 || target >= node.Length() {
		return node.Offset(), errno.Errorf(errno.InvalidArgument, "seek to %d in %d bytes", target, node.Length())
	}
	node.SetOffset(target)
	return target, nil
}

// Clamp limits a read request to what remains after the node offset.
func Clamp(node FileNode, length int64, buffer []byte) int64 {
	if length > int64(len(buffer)) {
		length = int64(len(buffer))
	}
	remaining := node.Length() - node.Offset()
	if remaining <= 0 || length <= 0 {
		return 0
	}
	return min(length, remaining)
}

// NextEntry implements ReadDir over a DirNode snapshot.
func NextEntry(node *DirNode) (string, bool) {
	if node == nil || node.Position >= len(node.Contents) {
		return "", false
	}
	name := node.Contents[node.Position]
	node.Position++
	return name, true
}

// MountState tracks the Unmounted/Mounted life cycle.
type MountState struct {
	mounted bool
}

func (state *MountState) Check() error {
	if !state.mounted {
		return errno.Errorf(errno.AccessDenied, "filesystem not mounted")
	}
	return nil
}

// CheckUnmounted fails with AccessDenied while the filesystem is mounted.
func (state *MountState) CheckUnmounted() error {
	if state.mounted {
		return errno.Errorf(errno.AccessDenied, "filesystem already mounted")
	}
	return nil
}

func (state *MountState) SetMounted() {
	state.mounted = true
}

// Unmount succeeds once; later calls return AccessDenied.
func (state *MountState) Unmount() error {
	if err := state.Check(); err != nil {
		return err
	}
	state.mounted = false
	return nil
}

func (state *MountState) Mounted() bool {
	return state.mounted
}
