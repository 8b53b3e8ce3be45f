// Package fuse exports a mounted read only filesystem through FUSE.
package fuse

type Options struct {
	Debug      bool   // print FUSE debug information
	AllowOther bool   // let other users see the mount
	Name       string // source name shown in the mount table
}
