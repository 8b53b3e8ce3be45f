//go:build !linux && !darwin

package fuse

import (
	metadata "github.com/aarsakian/MediaImageForensics/FS"
	"github.com/aarsakian/MediaImageForensics/errno"
)

type Server struct{}

func (server *Server) Wait() {}

func (server *Server) Unmount() error {
	return nil
}

func Mount(rofs metadata.ReadOnlyFilesystem, mountpoint string, opts Options) (*Server, error) {
	return nil, errno.Errorf(errno.NotSupported, "FUSE export is not available on this platform")
}
