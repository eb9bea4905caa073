// Package fuse exposes a drive as a read-only FUSE filesystem.
package fuse

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"path"
	"syscall"
	"time"

	"driveshare/pkg/types"

	gofs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"
)

const attrTimeout = time.Second

// Source is the drive being exposed.
type Source interface {
	Readdir(ctx context.Context, dir string) ([]types.DirEntry, error)
	CreateReadStream(ctx context.Context, path string) (io.ReadCloser, error)
}

var _ gofs.NodeGetattrer = (*DriveDir)(nil)
var _ gofs.NodeReaddirer = (*DriveDir)(nil)
var _ gofs.NodeLookuper = (*DriveDir)(nil)

// DriveDir is a directory of the drive.
type DriveDir struct {
	gofs.Inode
	src    Source
	path   string
	logger *zap.Logger
}

// NewRoot returns the root directory node.
func NewRoot(src Source, logger *zap.Logger) *DriveDir {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DriveDir{src: src, path: "/", logger: logger}
}

func (d *DriveDir) Getattr(ctx context.Context, fh gofs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Attr.Mode = 0555 | syscall.S_IFDIR
	out.Attr.Nlink = 2
	out.SetTimeout(attrTimeout)
	return 0
}

func (d *DriveDir) Readdir(ctx context.Context) (gofs.DirStream, syscall.Errno) {
	entries, err := d.src.Readdir(ctx, d.path)
	if err != nil {
		return nil, toErrno(err, d.logger, d.path)
	}
	return gofs.NewListDirStream(dirEntries(entries)), 0
}

func (d *DriveDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofs.Inode, syscall.Errno) {
	entries, err := d.src.Readdir(ctx, d.path)
	if err != nil {
		return nil, toErrno(err, d.logger, d.path)
	}

	childPath := path.Join(d.path, name)
	for _, e := range entries {
		if e.Name != name {
			continue
		}

		if e.IsDir {
			child := &DriveDir{src: d.src, path: childPath, logger: d.logger}
			out.Attr.Mode = 0555 | syscall.S_IFDIR
			out.SetEntryTimeout(attrTimeout)
			return d.NewInode(ctx, child, gofs.StableAttr{Mode: syscall.S_IFDIR}), 0
		}

		child := &DriveFile{src: d.src, path: childPath, size: e.Size, logger: d.logger}
		child.fillAttr(&out.Attr)
		out.SetEntryTimeout(attrTimeout)
		return d.NewInode(ctx, child, gofs.StableAttr{Mode: syscall.S_IFREG}), 0
	}

	return nil, syscall.ENOENT
}

func dirEntries(entries []types.DirEntry) []fuse.DirEntry {
	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		mode := uint32(syscall.S_IFREG)
		if e.IsDir {
			mode = syscall.S_IFDIR
		}
		out = append(out, fuse.DirEntry{Name: e.Name, Mode: mode})
	}
	return out
}

func toErrno(err error, logger *zap.Logger, p string) syscall.Errno {
	if errors.Is(err, fs.ErrNotExist) {
		return syscall.ENOENT
	}
	logger.Error("Drive lookup failed", zap.String("path", p), zap.Error(err))
	return syscall.EIO
}
