package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	EWFLogger "github.com/aarsakian/EWF_Reader/logger"
	VMDKLogger "github.com/aarsakian/VMDK_Reader/logger"
	flag "github.com/spf13/pflag"

	metadata "github.com/aarsakian/MediaImageForensics/FS"
	"github.com/aarsakian/MediaImageForensics/checksum"
	"github.com/aarsakian/MediaImageForensics/config"
	"github.com/aarsakian/MediaImageForensics/disk"
	"github.com/aarsakian/MediaImageForensics/disk/volume"
	"github.com/aarsakian/MediaImageForensics/exporter"
	"github.com/aarsakian/MediaImageForensics/filters"
	"github.com/aarsakian/MediaImageForensics/fuse"
	"github.com/aarsakian/MediaImageForensics/img"
	"github.com/aarsakian/MediaImageForensics/img/qcow"
	"github.com/aarsakian/MediaImageForensics/img/raw"
	MILogger "github.com/aarsakian/MediaImageForensics/logger"
	"github.com/aarsakian/MediaImageForensics/reporter"
	"github.com/aarsakian/MediaImageForensics/tree"
	"github.com/aarsakian/MediaImageForensics/utils"
)

func checkErr(err error, msg string) {
	if err != nil {
		log.Fatalln(msg, err)
	}
}

// createImage writes an empty image, sparse unless the name asks for a
// flat one.
func createImage(path string, sectors uint64) error {
	var image img.WritableImage = &qcow.Image{}
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".img" || ext == ".raw" || ext == ".dd" {
		image = &raw.Image{}
	}
	if err := image.Create(path, img.GENERIC_HDD, nil, sectors, 512); err != nil {
		return err
	}
	return image.Close()
}

func listDir(w io.Writer, fs metadata.ReadOnlyFilesystem, dirPath string) error {
	dir, err := fs.OpenDir(dirPath)
	if err != nil {
		return err
	}
	defer fs.CloseDir(dir)
	for {
		name, err := fs.ReadDir(dir)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		info, err := fs.Stat(metadata.JoinPath(append(metadata.SplitPath(dirPath), name)...))
		if err != nil {
			fmt.Fprintf(w, "?          %10s  %s\n", "?", name)
			continue
		}
		kind := "-"
		if info.IsDir() {
			kind = "d"
		}
		fmt.Fprintf(w, "%s %10d  %s  %s\n", kind, info.Length, info.LastWriteTime.Format("2006-01-02 15:04"), name)
	}
}

func showStat(w io.Writer, fs metadata.ReadOnlyFilesystem, filePath string) error {
	info, err := fs.Stat(filePath)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s\n  attributes %s\n  size %d blocks %d of %d inode %d links %d\n", filePath,
		strings.Join(info.Attributes.Names(), " "), info.Length, info.Blocks, info.BlockSize, info.Inode, info.Links)
	if info.HasOwnership || info.Mode != 0 {
		fmt.Fprintf(w, "  uid %d gid %d mode %o\n", info.UID, info.GID, info.Mode)
	}
	fmt.Fprintf(w, "  created %s modified %s accessed %s\n", info.CreationTime, info.LastWriteTime, info.AccessTime)
	if names, err := fs.ListXAttr(filePath); err == nil {
		for _, name := range names {
			fmt.Fprintf(w, "  xattr %s\n", name)
		}
	}
	if info.Attributes.Has(metadata.AttrSymlink) {
		if target, err := fs.ReadLink(filePath); err == nil {
			fmt.Fprintf(w, "  -> %s\n", target)
		}
	}
	return nil
}

func catFile(w io.Writer, fs metadata.ReadOnlyFilesystem, filePath string) error {
	node, err := fs.OpenFile(filePath)
	if err != nil {
		return err
	}
	defer fs.CloseFile(node)
	buffer := make([]byte, 1<<20)
	for {
		read, err := fs.ReadFile(node, int64(len(buffer)), buffer)
		if err != nil {
			return err
		}
		if read == 0 {
			return nil
		}
		if _, err := w.Write(buffer[:read]); err != nil {
			return err
		}
	}
}

func main() {
	var location string
	evidencefile := flag.String("evidence", "", "path to image file (raw, QCOW, CUE/BIN, SCP, EWF, optionally compressed)")
	configFile := flag.String("config", "", "YAML file holding default settings")

	flag.StringVar(&location, "location", "", "the path to export files")
	exportFiles := flag.String("filenames", "", "files to export use comma as a seperator")
	exportFilesPath := flag.String("path", "", "base path of files to exported e.g. /DOCS/2024")
	fileExtensions := flag.String("extensions", "", "search files by extensions use comma as a seperator")
	deleted := flag.Bool("deleted", false, "show deleted entries only")
	folders := flag.Bool("folders", false, "include folders in listings")
	hashFiles := flag.String("hash", "", "checksums of walked files, e.g. md5,sha1,blake3")
	strategy := flag.String("strategy", "overwrite", "what strategy will be used for files sharing the same name, default is ovewrite, or use Id")

	partitionNum := flag.Int("partition", -1, "select partition number, all when -1")
	listPartitions := flag.Bool("listpartitions", false, "list partitions")
	volinfo := flag.Bool("volinfo", false, "show volume information")
	lsPath := flag.String("ls", "", "list a directory of the selected partition")
	statPath := flag.String("stat", "", "show information about a file of the selected partition")
	catPath := flag.String("cat", "", "write the contents of a file of the selected partition to stdout")

	buildtree := flag.Bool("tree", false, "walk the file system tree")
	showtree := flag.Bool("showtree", false, "show file system tree")
	showTimestamps := flag.Bool("showtimestamps", false, "show all file system timestamps")
	showFileSize := flag.Bool("filesize", false, "show file size")
	showAttributes := flag.Bool("attributes", false, "show file attributes")
	showParent := flag.Bool("parent", false, "show information about parent entry")
	showPath := flag.Bool("showpath", false, "show the full path of the selected files")
	xattrs := flag.Bool("xattrs", false, "digest extended attributes while walking")
	sidecar := flag.String("sidecar", "", "write a sidecar document describing the evidence")
	format := flag.String("format", "yaml", "sidecar format yaml or cbor")

	entropy := flag.Bool("entropy", false, "calculate media entropy")
	entropyTracks := flag.Bool("tracks", false, "calculate entropy per track of optical media")
	flux := flag.Bool("flux", false, "summarise flux captures")
	mountPoint := flag.String("mount", "", "export the selected partition read only through FUSE")

	encodingName := flag.String("encoding", "", "code page of 8 bit names, e.g. cp437 or macintosh")
	namespace := flag.String("namespace", "", "name space to mount (ISO9660: joliet, rrip, normal; FAT: lfn, dos)")
	debug := flag.Bool("debug", false, "expose driver control files")
	logactive := flag.Bool("log", false, "enable logging")

	createPath := flag.String("create", "", "create an empty image, QCOW unless the extension is .img/.raw/.dd")
	sectors := flag.Uint64("sectors", 0, "number of 512 byte sectors of the created image")

	flag.Parse() //ready to parse

	cfg := config.Default()
	if *configFile != "" {
		var err error
		cfg, err = config.Load(*configFile)
		checkErr(err, "loading configuration")
	}
	if flag.CommandLine.Changed("log") {
		cfg.Log.Enabled = *logactive
	}
	if flag.CommandLine.Changed("encoding") {
		cfg.Mount.Encoding = *encodingName
	}
	if flag.CommandLine.Changed("namespace") {
		cfg.Mount.Namespace = *namespace
	}
	if flag.CommandLine.Changed("debug") {
		cfg.Mount.Debug = *debug
	}
	if flag.CommandLine.Changed("location") {
		cfg.Export.Location = location
	}
	if flag.CommandLine.Changed("strategy") {
		cfg.Export.Strategy = *strategy
	}
	if flag.CommandLine.Changed("hash") {
		cfg.Walk.Checksums = utils.GetEntries(*hashFiles)
	}
	if flag.CommandLine.Changed("format") {
		cfg.Report.Format = *format
	}
	if flag.CommandLine.Changed("xattrs") {
		cfg.Walk.Xattrs = *xattrs
	}

	if cfg.Log.Enabled {
		logfilename := cfg.Log.File
		if !flag.CommandLine.Changed("config") {
			logfilename = "logs" + time.Now().Format("2006-01-02T15_04_05") + ".txt"
		}
		MILogger.InitializeLogger(true, logfilename)
		VMDKLogger.InitializeLogger(true, logfilename)
		EWFLogger.InitializeLogger(true, logfilename)
	}

	if *createPath != "" {
		checkErr(createImage(*createPath, *sectors), "creating image")
		fmt.Printf("created %s with %d sectors\n", *createPath, *sectors)
		if *evidencefile == "" {
			return
		}
	}

	if *evidencefile == "" {
		flag.Usage()
		return
	}

	enc, err := config.ResolveEncoding(cfg.Mount.Encoding)
	checkErr(err, "encoding")
	algorithms, err := checksum.ParseAlgorithms(cfg.Walk.Checksums)
	checkErr(err, "checksums")

	var abort atomic.Bool
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	go func() {
		<-interrupts
		abort.Store(true)
	}()

	dsk := new(disk.Disk)
	checkErr(dsk.Initialize(*evidencefile), "opening evidence")
	defer dsk.Close()

	if *flux {
		fluxImage, ok := dsk.Image.(img.FluxImage)
		if !ok {
			fmt.Printf("%s is not a flux capture\n", *evidencefile)
		} else {
			disk.ShowFlux(os.Stdout, disk.FluxSummary(fluxImage))
		}
	}

	if *entropy {
		results, err := disk.Entropy(dsk.Image, disk.EntropyOptions{
			ByTrack:       *entropyTracks,
			UniqueSectors: true,
			Abort:         &abort,
			Progress: func(done, total uint64) {
				fmt.Printf("\rEntropy %d of %d sectors", done, total)
			},
		})
		fmt.Println()
		for _, result := range results {
			fmt.Printf("Track %d: %d sectors entropy %.4f unique sectors %d\n",
				result.Track, result.Sectors, result.Entropy, result.UniqueSectors)
		}
		if err != nil {
			fmt.Println(err)
		}
	}

	if err := dsk.DiscoverPartitions(); err != nil {
		fmt.Println(err)
		return
	}
	dsk.DiscoverFileSystems(*partitionNum, volume.Options{
		Encoding:  enc,
		Namespace: cfg.Mount.Namespace,
		Options:   cfg.Mount.MountOptions(),
	})

	if *listPartitions {
		dsk.ListPartitions(os.Stdout)
	}

	if *volinfo {
		for idx := range dsk.Partitions {
			if fs, err := dsk.GetFileSystem(idx); err == nil {
				reporter.ShowVolume(os.Stdout, idx, fs)
			}
		}
	}

	selected := *partitionNum
	if selected == -1 {
		selected = 0
	}
	if *lsPath != "" || *statPath != "" || *catPath != "" || *mountPoint != "" {
		fs, err := dsk.GetFileSystem(selected)
		checkErr(err, "selecting partition")
		if *lsPath != "" {
			checkErr(listDir(os.Stdout, fs, *lsPath), "listing")
		}
		if *statPath != "" {
			checkErr(showStat(os.Stdout, fs, *statPath), "stat")
		}
		if *catPath != "" {
			checkErr(catFile(os.Stdout, fs, *catPath), "reading")
		}
		if *mountPoint != "" {
			server, err := fuse.Mount(fs, *mountPoint, fuse.Options{Name: *evidencefile})
			checkErr(err, "mounting")
			fmt.Printf("%s exported at %s, unmount to exit\n", fs.Metadata().Type, *mountPoint)
			server.Wait()
		}
	}

	rp := reporter.Reporter{
		ShowAttributes: *showAttributes,
		ShowTimestamps: *showTimestamps,
		ShowFileSize:   *showFileSize,
		ShowDigests:    len(algorithms) > 0,
		ShowParent:     *showParent,
		ShowPath:       *showPath,
		ShowTree:       *showtree,
	}

	var flm []filters.Filter
	if *exportFiles != "" {
		flm = append(flm, filters.NameFilter{Filenames: utils.GetEntries(*exportFiles)})
	}
	if *fileExtensions != "" {
		flm = append(flm, filters.ExtensionsFilter{Extensions: utils.GetEntries(*fileExtensions)})
	}
	if *exportFilesPath != "" {
		flm = append(flm, filters.PathFilter{NamePath: *exportFilesPath})
	}
	if *deleted {
		flm = append(flm, filters.DeletedFilter{Include: *deleted})
	}
	flm = append(flm, filters.FoldersFilter{Include: *folders})

	walk := *buildtree || *showtree || cfg.Export.Location != "" || *sidecar != ""
	if !walk {
		return
	}

	exp := exporter.Exporter{Location: cfg.Export.Location, Hash: strings.Join(cfg.Export.Checksums, ","),
		Strategy: cfg.Export.Strategy}
	var document *reporter.Sidecar
	if *sidecar != "" {
		document = reporter.NewSidecar(*evidencefile, dsk.Image, dsk.Partitions)
	}

	for partitionId, part := range dsk.Partitions {
		fs, err := dsk.GetFileSystem(partitionId)
		if err != nil {
			continue
		}
		recordsTree, err := tree.Walk(fs, tree.Options{
			Checksums: algorithms,
			ChunkSize: cfg.Walk.ChunkSize,
			Xattrs:    cfg.Walk.Xattrs,
			Abort:     &abort,
		})
		if err != nil {
			fmt.Printf("partition %d: %s\n", partitionId, err)
			if recordsTree == nil {
				continue
			}
		}

		records := filters.Apply(recordsTree.Records(), flm...)
		rp.Show(os.Stdout, records, partitionId, recordsTree)

		if cfg.Export.Location != "" {
			exported, err := exp.ExportRecords(fs, records)
			for _, file := range exported {
				for _, digest := range file.Digests {
					fmt.Printf("File %s has %s %s \n", file.Target, digest.Algorithm, digest)
				}
			}
			if err != nil {
				fmt.Println(err)
			}
		}

		if document != nil {
			document.AddVolume(part.Sequence, fs, recordsTree)
		}
	}

	if document != nil {
		out, err := os.Create(*sidecar)
		checkErr(err, "creating sidecar")
		defer out.Close()
		checkErr(document.Encode(out, cfg.Report.Format), "writing sidecar")
	}

}
