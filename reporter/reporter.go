package reporter

import (
	"fmt"
	"io"
	"strings"
	"time"

	metadata "github.com/aarsakian/MediaImageForensics/FS"
	"github.com/aarsakian/MediaImageForensics/logger"
	"github.com/aarsakian/MediaImageForensics/tree"
)

type Reporter struct {
	ShowAttributes bool
	ShowTimestamps bool
	ShowFileSize   bool
	ShowDigests    bool
	ShowInode      bool
	ShowParent     bool
	ShowPath       bool
	ShowTree       bool
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

// Show prints records in walk order. Digests and parents come from the tree
// the records were taken from.
func (rp Reporter) Show(w io.Writer, records []metadata.Record, partitionId int, walked *tree.Tree) {
	for _, record := range records {
		if record.GetID() == 0 {
			continue
		}

		fmt.Fprintf(w, "%d  --------------------------------------------------------------------\n", record.GetID())
		info := record.GetInfo()
		if rp.ShowPath {
			fmt.Fprintf(w, "Partition %d Path %s\n", partitionId, record.GetPath())
		} else {
			fmt.Fprintf(w, "Name %s\n", record.GetFname())
		}

		if rp.ShowAttributes {
			fmt.Fprintf(w, "Attributes %s\n", strings.Join(info.Attributes.Names(), " "))
		}

		if rp.ShowTimestamps {
			fmt.Fprintf(w, "Created %s Modified %s Accessed %s\n", formatTime(info.CreationTime),
				formatTime(info.LastWriteTime), formatTime(info.AccessTime))
		}

		if rp.ShowFileSize {
			fmt.Fprintf(w, "Size %d bytes in %d blocks of %d\n", info.Length, info.Blocks, info.BlockSize)
		}

		if rp.ShowInode {
			fmt.Fprintf(w, "Inode %d links %d\n", info.Inode, info.Links)
		}

		node := rp.node(walked, record.GetID())
		if rp.ShowParent && node != nil && node.Parent() != nil {
			fmt.Fprintf(w, "Parent %d %s\n", node.Parent().ID, node.Parent().Path)
		}

		if rp.ShowDigests && node != nil {
			for _, digest := range node.Digests {
				fmt.Fprintf(w, "%s %s\n", digest.Algorithm, digest)
			}
			if node.Error != "" {
				fmt.Fprintf(w, "Error %s\n", node.Error)
			}
		}
	}

	if rp.ShowTree && walked != nil {
		walked.Show(w)
	}

}

func (rp Reporter) node(walked *tree.Tree, id int) *tree.Node {
	if walked == nil || id < 0 || id >= len(walked.Nodes) {
		return nil
	}
	return walked.Nodes[id]
}

// ShowVolume prints the summary of a mounted volume.
func ShowVolume(w io.Writer, partitionId int, fs metadata.ReadOnlyFilesystem) {
	meta := fs.Metadata()
	fmt.Fprintf(w, "Partition %d: %s volume %q serial %s\n", partitionId, meta.Type, meta.VolumeName, meta.VolumeSerial)
	fmt.Fprintf(w, "  %d clusters of %d bytes", meta.Clusters, meta.ClusterSize)
	if meta.FreeClustersKnown {
		fmt.Fprintf(w, ", %d free", meta.FreeClusters)
	}
	fmt.Fprintln(w)
	for _, field := range []struct{ name, value string }{
		{"Volume set", meta.VolumeSetIdentifier},
		{"Publisher", meta.PublisherIdentifier},
		{"Application", meta.ApplicationIdentifier},
		{"System", meta.SystemIdentifier},
	} {
		if field.value != "" {
			fmt.Fprintf(w, "  %s %s\n", field.name, field.value)
		}
	}
	if !meta.CreationDate.IsZero() || !meta.ModificationDate.IsZero() {
		fmt.Fprintf(w, "  Created %s Modified %s\n", formatTime(meta.CreationDate), formatTime(meta.ModificationDate))
	}
	if meta.Bootable {
		fmt.Fprintln(w, "  Bootable")
	}
	if meta.Dirty {
		fmt.Fprintln(w, "  Not cleanly unmounted")
		logger.MILogger.Warningf("partition %d %s volume is dirty", partitionId, meta.Type)
	}
}
