package vfs

import (
	"context"
	"io"
	"os"
	"sync"
	"syscall"

	"bazil.org/fuse"

	"mo2vfs/internal/logging"
)

var handleLogger = logging.GetLogger().WithPrefix("handle")

// FileHandle is an open file descriptor against a file's physical
// backing: the real base/mod file for a read-only open, or the staging
// copy for a write-intent open (spec §4.5, §4.6).
type FileHandle struct {
	file     *os.File
	path     string
	writable bool
	mu       sync.RWMutex
}

// Read implements fs.HandleReader.
func (fh *FileHandle) Read(_ context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	fh.mu.RLock()
	defer fh.mu.RUnlock()

	resp.Data = make([]byte, req.Size)
	n, err := fh.file.ReadAt(resp.Data, req.Offset)
	if err != nil && err != io.EOF {
		handleLogger.Error("read %q at %d: %v", fh.path, req.Offset, err)
		return ToErrno(NewError(OpRead, fh.path, KindIoError, err))
	}
	resp.Data = resp.Data[:n]
	return nil
}

// Write implements fs.HandleWriter.
func (fh *FileHandle) Write(_ context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	fh.mu.Lock()
	defer fh.mu.Unlock()

	if !fh.writable {
		return ToErrno(NewError(OpWrite, fh.path, KindNotWritable, syscall.EBADF))
	}

	n, err := fh.file.WriteAt(req.Data, req.Offset)
	if err != nil {
		handleLogger.Error("write %q at %d: %v", fh.path, req.Offset, err)
		return ToErrno(NewError(OpWrite, fh.path, KindIoError, err))
	}
	resp.Size = n
	return nil
}

// Release implements fs.HandleReleaser.
func (fh *FileHandle) Release(_ context.Context, _ *fuse.ReleaseRequest) error {
	fh.mu.Lock()
	defer fh.mu.Unlock()

	handleLogger.Debug("closing %q", fh.path)
	if err := fh.file.Close(); err != nil {
		return ToErrno(NewError(OpRelease, fh.path, KindIoError, err))
	}
	return nil
}
