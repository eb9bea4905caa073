package fuse

import (
	"context"
	"io"
	"syscall"

	gofs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"
)

var _ gofs.NodeGetattrer = (*DriveFile)(nil)
var _ gofs.NodeOpener = (*DriveFile)(nil)
var _ gofs.NodeReader = (*DriveFile)(nil)

// DriveFile is a regular file of the drive. Contents are loaded on open.
type DriveFile struct {
	gofs.Inode
	src    Source
	path   string
	size   int64
	logger *zap.Logger
}

type fileHandle struct {
	data []byte
}

func (f *DriveFile) fillAttr(attr *fuse.Attr) {
	attr.Mode = 0444 | syscall.S_IFREG
	attr.Size = uint64(f.size)
	attr.Nlink = 1
}

func (f *DriveFile) Getattr(ctx context.Context, fh gofs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	f.fillAttr(&out.Attr)
	out.SetTimeout(attrTimeout)
	return 0
}

func (f *DriveFile) Open(ctx context.Context, flags uint32) (gofs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}

	stream, err := f.src.CreateReadStream(ctx, f.path)
	if err != nil {
		return nil, 0, toErrno(err, f.logger, f.path)
	}
	defer stream.Close()

	data, err := io.ReadAll(stream)
	if err != nil {
		f.logger.Error("Failed to read file", zap.String("path", f.path), zap.Error(err))
		return nil, 0, syscall.EIO
	}

	return &fileHandle{data: data}, fuse.FOPEN_KEEP_CACHE, 0
}

func (f *DriveFile) Read(ctx context.Context, fh gofs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	h, ok := fh.(*fileHandle)
	if !ok {
		return nil, syscall.EBADF
	}
	return fuse.ReadResultData(readAt(h.data, len(dest), off)), 0
}

func readAt(data []byte, n int, off int64) []byte {
	if off >= int64(len(data)) || off < 0 {
		return nil
	}
	end := off + int64(n)
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return data[off:end]
}
