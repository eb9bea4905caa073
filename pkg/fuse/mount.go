package fuse

import (
	"fmt"

	gofs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"
)

// Mount exposes src read-only at dir. The returned function unmounts it.
func Mount(dir string, src Source, logger *zap.Logger) (func() error, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	server, err := gofs.Mount(dir, NewRoot(src, logger), &gofs.Options{
		MountOptions: fuse.MountOptions{
			FsName:  "driveshare",
			Name:    "driveshare",
			Options: []string{"ro"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mount %s: %w", dir, err)
	}

	logger.Info("Drive mounted", zap.String("mount_point", dir))
	return server.Unmount, nil
}
