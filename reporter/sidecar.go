package reporter

import (
	"io"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/yaml.v3"

	metadata "github.com/aarsakian/MediaImageForensics/FS"
	"github.com/aarsakian/MediaImageForensics/disk/partition"
	"github.com/aarsakian/MediaImageForensics/errno"
	"github.com/aarsakian/MediaImageForensics/img"
	"github.com/aarsakian/MediaImageForensics/tree"
)

const (
	FormatYAML = "yaml"
	FormatCBOR = "cbor"
)

// Sidecar is the machine readable description of an evidence image.
type Sidecar struct {
	Evidence   string          `yaml:"evidence" cbor:"evidence"`
	Image      ImageSection    `yaml:"image" cbor:"image"`
	Partitions []PartitionInfo `yaml:"partitions,omitempty" cbor:"partitions,omitempty"`
	Volumes    []VolumeSection `yaml:"volumes,omitempty" cbor:"volumes,omitempty"`
}

type ImageSection struct {
	Format     string `yaml:"format" cbor:"format"`
	MediaType  string `yaml:"media_type" cbor:"media_type"`
	Sectors    uint64 `yaml:"sectors" cbor:"sectors"`
	SectorSize uint32 `yaml:"sector_size" cbor:"sector_size"`
	Creator    string `yaml:"creator,omitempty" cbor:"creator,omitempty"`
	Comments   string `yaml:"comments,omitempty" cbor:"comments,omitempty"`
	Created    string `yaml:"created,omitempty" cbor:"created,omitempty"`
}

type PartitionInfo struct {
	Sequence uint32 `yaml:"sequence" cbor:"sequence"`
	Start    uint64 `yaml:"start" cbor:"start"`
	Length   uint64 `yaml:"length" cbor:"length"`
	Type     string `yaml:"type" cbor:"type"`
	Scheme   string `yaml:"scheme" cbor:"scheme"`
}

type VolumeSection struct {
	Partition    uint32        `yaml:"partition" cbor:"partition"`
	Type         string        `yaml:"type" cbor:"type"`
	Name         string        `yaml:"name,omitempty" cbor:"name,omitempty"`
	Serial       string        `yaml:"serial,omitempty" cbor:"serial,omitempty"`
	ClusterSize  uint32        `yaml:"cluster_size" cbor:"cluster_size"`
	Clusters     uint64        `yaml:"clusters" cbor:"clusters"`
	FreeClusters *uint64       `yaml:"free_clusters,omitempty" cbor:"free_clusters,omitempty"`
	Files        []FileSection `yaml:"files,omitempty" cbor:"files,omitempty"`
}

type FileSection struct {
	Path       string            `yaml:"path" cbor:"path"`
	Size       int64             `yaml:"size" cbor:"size"`
	Attributes []string          `yaml:"attributes,omitempty" cbor:"attributes,omitempty"`
	Inode      uint64            `yaml:"inode" cbor:"inode"`
	Modified   string            `yaml:"modified,omitempty" cbor:"modified,omitempty"`
	Digests    map[string]string `yaml:"digests,omitempty" cbor:"digests,omitempty"`
	Xattrs     map[string]string `yaml:"xattrs,omitempty" cbor:"xattrs,omitempty"`
	Error      string            `yaml:"error,omitempty" cbor:"error,omitempty"`
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("reporter: CBOR encoder initialization failed: " + err.Error())
	}
}

func sidecarTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// NewSidecar describes image and its partitions. Volumes are added with
// AddVolume.
func NewSidecar(evidence string, image img.MediaImage, partitions []partition.Partition) *Sidecar {
	info := image.Info()
	sidecar := &Sidecar{
		Evidence: evidence,
		Image: ImageSection{
			Format:     image.Name(),
			MediaType:  info.MediaType.String(),
			Sectors:    info.Sectors,
			SectorSize: info.SectorSize,
			Creator:    info.Creator,
			Comments:   info.Comments,
			Created:    sidecarTime(info.CreationTime),
		},
	}
	for _, part := range partitions {
		sidecar.Partitions = append(sidecar.Partitions, PartitionInfo{
			Sequence: part.Sequence, Start: part.Start, Length: part.Length, Type: part.Type, Scheme: part.Scheme,
		})
	}
	return sidecar
}

// AddVolume records a mounted volume and, when walked is set, its files.
func (sidecar *Sidecar) AddVolume(partitionNum uint32, fs metadata.ReadOnlyFilesystem, walked *tree.Tree) {
	meta := fs.Metadata()
	section := VolumeSection{
		Partition:   partitionNum,
		Type:        meta.Type,
		Name:        meta.VolumeName,
		Serial:      meta.VolumeSerial,
		ClusterSize: meta.ClusterSize,
		Clusters:    meta.Clusters,
	}
	if meta.FreeClustersKnown {
		free := meta.FreeClusters
		section.FreeClusters = &free
	}
	if walked != nil {
		for _, node := range walked.Nodes[1:] {
			file := FileSection{
				Path:       node.Path,
				Size:       node.Info.Length,
				Attributes: node.Info.Attributes.Names(),
				Inode:      node.Info.Inode,
				Modified:   sidecarTime(node.Info.LastWriteTime),
				Error:      node.Error,
			}
			for _, digest := range node.Digests {
				if file.Digests == nil {
					file.Digests = map[string]string{}
				}
				file.Digests[digest.Algorithm.String()] = digest.String()
			}
			for name, digests := range node.XattrDigests {
				if file.Xattrs == nil {
					file.Xattrs = map[string]string{}
				}
				if len(digests) > 0 {
					file.Xattrs[name] = digests[0].String()
				}
			}
			section.Files = append(section.Files, file)
		}
	}
	sidecar.Volumes = append(sidecar.Volumes, section)
	sort.SliceStable(sidecar.Volumes, func(i, j int) bool {
		return sidecar.Volumes[i].Partition < sidecar.Volumes[j].Partition
	})
}

// Encode writes the sidecar as YAML or as deterministic CBOR.
func (sidecar *Sidecar) Encode(w io.Writer, format string) error {
	switch format {
	case FormatYAML, "":
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		if err := encoder.Encode(sidecar); err != nil {
			return err
		}
		return encoder.Close()
	case FormatCBOR:
		data, err := encMode.Marshal(sidecar)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	}
	return errno.Errorf(errno.InvalidArgument, "unknown sidecar format %q", format)
}
