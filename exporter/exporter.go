// Package exporter copies files out of a mounted filesystem into an
// afero.Fs, optionally hashing them on the way.
package exporter

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
	"go.uber.org/multierr"

	metadata "github.com/aarsakian/MediaImageForensics/FS"
	"github.com/aarsakian/MediaImageForensics/checksum"
	"github.com/aarsakian/MediaImageForensics/errno"
	"github.com/aarsakian/MediaImageForensics/logger"
	"github.com/aarsakian/MediaImageForensics/utils"
)

const chunkSize = 1 << 20

const (
	StrategyOverwrite = "overwrite"
	StrategyID        = "Id"
)

type Exporter struct {
	Location string
	Hash     string // comma separated algorithm names
	Strategy string
	Fs       afero.Fs // the host filesystem when nil
}

// Exported describes one written file.
type Exported struct {
	Source  string
	Target  string
	Size    int64
	Digests []checksum.Digest
}

// chunk carries file data from the reader to the writer goroutine. A nil
// err with last set closes the target.
type chunk struct {
	record metadata.Record
	data   []byte
	first  bool
	last   bool
	err    error
}

func (exp Exporter) fs() afero.Fs {
	if exp.Fs == nil {
		return afero.NewOsFs()
	}
	return exp.Fs
}

func (exp Exporter) targetName(record metadata.Record) string {
	if exp.Strategy == StrategyID {
		return fmt.Sprintf("[%d]%s", record.GetInfo().Inode, record.GetFname())
	}
	return record.GetFname()
}

// produce streams each record's data. The filesystem is only touched from
// this goroutine.
func produce(wg *sync.WaitGroup, fs metadata.ReadOnlyFilesystem, records []metadata.Record, chunks chan<- chunk) {
	defer wg.Done()
	defer close(chunks)
	for _, record := range records {
		node, err := fs.OpenFile(record.GetPath())
		if err != nil {
			chunks <- chunk{record: record, first: true, last: true, err: err}
			continue
		}
		first := true
		for {
			buffer := make([]byte, chunkSize)
			read, err := fs.ReadFile(node, chunkSize, buffer)
			if err != nil {
				chunks <- chunk{record: record, first: first, last: true, err: err}
				break
			}
			done := read == 0 || node.Offset() >= node.Length()
			chunks <- chunk{record: record, data: buffer[:read], first: first, last: done}
			first = false
			if done {
				break
			}
		}
		fs.CloseFile(node)
	}
}

func (exp Exporter) consume(wg *sync.WaitGroup, algorithms []checksum.Algorithm, chunks <-chan chunk,
	exported *[]Exported, errs *error) {
	defer wg.Done()
	target := exp.fs()
	var (
		file afero.File
		sum  *checksum.Checksum
		cur  Exported
	)
	fail := func(err error) {
		*errs = multierr.Append(*errs, err)
		logger.MILogger.Error(err)
		if file != nil {
			file.Close()
			target.Remove(cur.Target)
			file = nil
		}
	}
	for c := range chunks {
		if c.first {
			cur = Exported{Source: c.record.GetPath(), Target: filepath.Join(exp.Location, exp.targetName(c.record))}
			sum = checksum.New(algorithms...)
			if c.err == nil {
				var err error
				if file, err = target.OpenFile(cur.Target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640); err != nil {
					fail(fmt.Errorf("creating %s: %w", cur.Target, err))
				}
			}
		}
		if c.err != nil {
			fail(fmt.Errorf("exporting %s: %w", c.record.GetPath(), c.err))
			continue
		}
		if file == nil {
			continue
		}
		if _, err := file.Write(c.data); err != nil {
			fail(fmt.Errorf("writing %s: %w", cur.Target, err))
			continue
		}
		sum.Update(c.data)
		cur.Size += int64(len(c.data))
		if c.last {
			if err := file.Close(); err != nil {
				fail(fmt.Errorf("closing %s: %w", cur.Target, err))
				continue
			}
			file = nil
			if len(algorithms) > 0 {
				cur.Digests = sum.Final()
			}
			*exported = append(*exported, cur)
		}
	}
}

// ExportRecords writes every file record; folders are skipped. Failures are
// collected and the remaining records still exported.
func (exp Exporter) ExportRecords(fs metadata.ReadOnlyFilesystem, records []metadata.Record) ([]Exported, error) {
	if exp.Location == "" {
		msg := "No export location was set"
		logger.MILogger.Warning(msg)
		return nil, errno.Errorf(errno.InvalidArgument, "%s", msg)
	}
	if exp.Strategy != "" && exp.Strategy != StrategyOverwrite && exp.Strategy != StrategyID {
		return nil, errno.Errorf(errno.InvalidArgument, "unknown export strategy %q", exp.Strategy)
	}
	algorithms, err := checksum.ParseAlgorithms(utils.GetEntries(exp.Hash))
	if err != nil {
		return nil, err
	}
	records = metadata.FilterOutFolders(records)
	if len(records) == 0 {
		logger.MILogger.Warning("No records to export")
		return nil, nil
	}
	if err := exp.fs().MkdirAll(exp.Location, 0o750); err != nil {
		return nil, err
	}

	logger.MILogger.Infof("About to export %d files to %s", len(records), exp.Location)
	chunks := make(chan chunk, 4)
	var exported []Exported
	var errs error

	wg := new(sync.WaitGroup)
	wg.Add(2)
	go produce(wg, fs, records, chunks)                     //producer
	go exp.consume(wg, algorithms, chunks, &exported, &errs) //pipeline copies channel
	wg.Wait()

	return exported, errs
}
