// Package tree walks a mounted filesystem depth first, recording every
// entry with the digests of its data and extended attributes.
package tree

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync/atomic"

	metadata "github.com/aarsakian/MediaImageForensics/FS"
	"github.com/aarsakian/MediaImageForensics/checksum"
	"github.com/aarsakian/MediaImageForensics/errno"
	"github.com/aarsakian/MediaImageForensics/logger"
)

const (
	DefaultChunkSize = 1 << 20
	maxDepth         = 255
)

var ErrAborted = errors.New("walk aborted")

type Options struct {
	Checksums []checksum.Algorithm
	ChunkSize int64
	Xattrs    bool
	Progress  func(path string, walked int)
	Abort     *atomic.Bool
}

type Node struct {
	metadata.Entry
	Digests      []checksum.Digest
	XattrDigests map[string][]checksum.Digest
	LinkTarget   string
	Error        string // set when the data could not be read
	parent       *Node
	children     []*Node
}

func (node *Node) Children() []*Node {
	return node.children
}

func (node *Node) Parent() *Node {
	return node.parent
}

type Tree struct {
	Root    *Node
	Nodes   []*Node // pre-order, root first
	Skipped int
}

type walker struct {
	fs     metadata.ReadOnlyFilesystem
	opts   Options
	tree   *Tree
	buffer []byte
	onPath []uint64 // inodes of the directories being descended
}

// Walk visits every entry reachable from the root. Entries failing stat or
// read are logged and skipped; the walk carries on with their siblings.
func Walk(fs metadata.ReadOnlyFilesystem, opts Options) (*Tree, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	rootInfo, err := fs.Stat("/")
	if err != nil {
		return nil, err
	}
	t := &Tree{}
	t.Root = &Node{Entry: metadata.Entry{ID: 0, Path: "/", Info: rootInfo, ParentID: -1}}
	t.Nodes = append(t.Nodes, t.Root)
	w := &walker{fs: fs, opts: opts, tree: t, onPath: []uint64{rootInfo.Inode}}
	if len(opts.Checksums) > 0 {
		w.buffer = make([]byte, opts.ChunkSize)
	}
	logger.MILogger.Infof("walking %s volume %q", fs.Metadata().Type, fs.Metadata().VolumeName)
	err = w.descend(t.Root)
	logger.MILogger.Infof("walked %d entries, skipped %d", len(t.Nodes), t.Skipped)
	return t, err
}

func (w *walker) aborted() bool {
	return w.opts.Abort != nil && w.opts.Abort.Load()
}

func (w *walker) listDir(dirPath string) ([]string, error) {
	dir, err := w.fs.OpenDir(dirPath)
	if err != nil {
		return nil, err
	}
	defer w.fs.CloseDir(dir)
	var names []string
	for {
		name, err := w.fs.ReadDir(dir)
		if err == io.EOF {
			return names, nil
		}
		if err != nil {
			return names, err
		}
		names = append(names, name)
	}
}

func (w *walker) descend(parent *Node) error {
	names, err := w.listDir(parent.Path)
	if err != nil {
		logger.MILogger.Error(fmt.Sprintf("listing %s: %v", parent.Path, err))
		w.tree.Skipped++
		return nil
	}
	for _, name := range names {
		if w.aborted() {
			return ErrAborted
		}
		childPath := metadata.JoinPath(append(metadata.SplitPath(parent.Path), name)...)
		info, err := w.fs.Stat(childPath)
		if err != nil {
			logger.MILogger.Error(fmt.Sprintf("stat %s: %v", childPath, err))
			w.tree.Skipped++
			continue
		}
		node := &Node{
			Entry:  metadata.Entry{ID: len(w.tree.Nodes), Path: childPath, Info: info, ParentID: parent.ID},
			parent: parent,
		}
		parent.children = append(parent.children, node)
		w.tree.Nodes = append(w.tree.Nodes, node)
		if w.opts.Progress != nil {
			w.opts.Progress(childPath, len(w.tree.Nodes))
		}

		if info.Attributes.Has(metadata.AttrSymlink) {
			if target, err := w.fs.ReadLink(childPath); err == nil {
				node.LinkTarget = target
			}
		}
		if w.opts.Xattrs && len(w.opts.Checksums) > 0 {
			w.digestXattrs(node)
		}
		if info.IsDir() {
			if reason := w.refuseDescent(info); reason != "" {
				node.Error = reason
				logger.MILogger.Warningf("not descending into %s: %s", childPath, reason)
				w.tree.Skipped++
				continue
			}
			w.onPath = append(w.onPath, info.Inode)
			err := w.descend(node)
			w.onPath = w.onPath[:len(w.onPath)-1]
			if err != nil {
				return err
			}
			continue
		}
		if len(w.opts.Checksums) > 0 {
			if err := w.digestData(node); err != nil {
				if errors.Is(err, ErrAborted) {
					return err
				}
				node.Error = err.Error()
				logger.MILogger.Error(fmt.Sprintf("reading %s: %v", childPath, err))
				w.tree.Skipped++
			}
		}
	}
	return nil
}

// refuseDescent guards against corrupt directories pointing back at an
// ancestor.
func (w *walker) refuseDescent(info metadata.FileEntryInfo) string {
	if info.Inode != 0 && slices.Contains(w.onPath, info.Inode) {
		return fmt.Sprintf("directory loops back to inode %d", info.Inode)
	}
	if len(w.onPath) > maxDepth {
		return fmt.Sprintf("deeper than %d levels", maxDepth)
	}
	return ""
}

func (w *walker) digestData(node *Node) error {
	file, err := w.fs.OpenFile(node.Path)
	if err != nil {
		return err
	}
	defer w.fs.CloseFile(file)
	sum := checksum.New(w.opts.Checksums...)
	for {
		if w.aborted() {
			return ErrAborted
		}
		read, err := w.fs.ReadFile(file, int64(len(w.buffer)), w.buffer)
		if err != nil {
			return err
		}
		if read == 0 {
			break
		}
		sum.Update(w.buffer[:read])
	}
	node.Digests = sum.Final()
	return nil
}

func (w *walker) digestXattrs(node *Node) {
	names, err := w.fs.ListXAttr(node.Path)
	if err != nil {
		if !errors.Is(err, errno.NotSupported) {
			logger.MILogger.Warningf("listing xattrs of %s: %v", node.Path, err)
		}
		return
	}
	for _, name := range names {
		value, err := w.fs.GetXattr(node.Path, name)
		if err != nil {
			logger.MILogger.Warningf("xattr %s of %s: %v", name, node.Path, err)
			continue
		}
		if node.XattrDigests == nil {
			node.XattrDigests = map[string][]checksum.Digest{}
		}
		node.XattrDigests[name] = checksum.Sum(value, w.opts.Checksums...)
	}
}

// Records returns every walked entry except the root.
func (t Tree) Records() []metadata.Record {
	records := make([]metadata.Record, 0, len(t.Nodes))
	for _, node := range t.Nodes[1:] {
		records = append(records, node.Entry)
	}
	return records
}

// Find returns the node at path.
func (t Tree) Find(path string) (*Node, bool) {
	key := strings.ToUpper(metadata.JoinPath(metadata.SplitPath(path)...))
	for _, node := range t.Nodes {
		if strings.ToUpper(node.Path) == key {
			return node, true
		}
	}
	return nil, false
}

func (t Tree) Show(w io.Writer) {
	if t.Root != nil {
		t.Root.descend(w)
	}
}

func (node Node) descend(w io.Writer) {
	if node.children == nil {
		return
	}
	node.showChildrenInfo(w)
	for _, child := range node.children {
		child.descend(w)
	}
}

func (node Node) showChildrenInfo(w io.Writer) {
	msgB := strings.Builder{}
	msgB.WriteString(fmt.Sprintf(" %s  %d |_> ", node.GetFname(), node.ID))
	for _, childNode := range node.children {
		msgB.WriteString(fmt.Sprintf(" %s %d", childNode.GetFname(), childNode.ID))
	}
	fmt.Fprintln(w, msgB.String())
	logger.MILogger.Info(msgB.String())
}
