package readers

import (
	"errors"
	"fmt"
	"io"

	"github.com/aarsakian/MediaImageForensics/errno"
)

// ForcedSeekStream decompresses linearly while claiming random access.
// Backward seeks restart the decoder; forward seeks discard output. A length
// of zero means unknown: it is computed by one full pass when first needed.
type ForcedSeekStream struct {
	open     func() (io.ReadCloser, error)
	decoder  io.ReadCloser
	decoded  int64 // bytes consumed from the current decoder
	position int64 // position requested by the caller
	length   int64
	known    bool
}

func NewForcedSeekStream(length int64, open func() (io.ReadCloser, error)) *ForcedSeekStream {
	return &ForcedSeekStream{open: open, length: length, known: length > 0}
}

func (stream *ForcedSeekStream) restart() error {
	if stream.decoder != nil {
		stream.decoder.Close()
		stream.decoder = nil
	}
	decoder, err := stream.open()
	if err != nil {
		return fmt.Errorf("restarting decompression: %w", err)
	}
	stream.decoder = decoder
	stream.decoded = 0
	return nil
}

func (stream *ForcedSeekStream) reposition() error {
	if stream.decoder == nil || stream.position < stream.decoded {
		if err := stream.restart(); err != nil {
			return err
		}
	}
	if skip := stream.position - stream.decoded; skip > 0 {
		skipped, err := io.CopyN(io.Discard, stream.decoder, skip)
		stream.decoded += skipped
		if err != nil {
			return err
		}
	}
	return nil
}

func (stream *ForcedSeekStream) Read(p []byte) (int, error) {
	if stream.known && stream.position >= stream.length {
		return 0, io.EOF
	}
	if err := stream.reposition(); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, io.EOF
		}
		return 0, fmt.Errorf("%v: %w", err, errno.InOutError)
	}
	n, err := stream.decoder.Read(p)
	stream.decoded += int64(n)
	stream.position += int64(n)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("decompressing at %d: %v: %w", stream.position, err, errno.InOutError)
	}
	return n, err
}

func (stream *ForcedSeekStream) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = stream.position + offset
	case io.SeekEnd:
		length, err := stream.Length()
		if err != nil {
			return stream.position, err
		}
		target = length + offset
	default:
		return stream.position, errno.InvalidArgument
	}
	if target < 0 {
		return stream.position, errno.InvalidArgument
	}
	stream.position = target
	return target, nil
}

func (stream *ForcedSeekStream) ReadAt(p []byte, off int64) (int, error) {
	if _, err := stream.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	n, err := io.ReadFull(stream, p)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	return n, err
}

// Length returns the decompressed length, decoding the whole stream once if
// the container did not record it.
func (stream *ForcedSeekStream) Length() (int64, error) {
	if stream.known {
		return stream.length, nil
	}
	decoder, err := stream.open()
	if err != nil {
		return 0, err
	}
	defer decoder.Close()
	length, err := io.Copy(io.Discard, decoder)
	if err != nil {
		return 0, fmt.Errorf("measuring decompressed length: %v: %w", err, errno.InOutError)
	}
	stream.length = length
	stream.known = true
	return length, nil
}

func (stream *ForcedSeekStream) Close() error {
	if stream.decoder == nil {
		return nil
	}
	err := stream.decoder.Close()
	stream.decoder = nil
	return err
}
