package exporter

import (
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	"github.com/scrapy-plugins/snowflake-stage-exporter/pkg/errors"
)

// tableBuffer is the append-only byte sink behind one destination. It is
// backed by a temporary file so a batch never has to fit in memory, and it
// tracks its size incrementally to decide flush eligibility. A buffer is
// created lazily on first append and released exactly once after flush.
type tableBuffer struct {
	file     *os.File
	size     int64
	released bool
}

func newTableBuffer() (*tableBuffer, error) {
	f, err := os.CreateTemp("", "stage-export-*.jl")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to create buffer file")
	}
	return &tableBuffer{file: f}, nil
}

// append writes one serialized record line.
func (b *tableBuffer) append(line []byte) error {
	n, err := b.file.Write(line)
	b.size += int64(n)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to write to buffer file")
	}
	return nil
}

// finalize makes all appended data durable before upload.
func (b *tableBuffer) finalize() error {
	if err := b.file.Sync(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to sync buffer file")
	}
	return nil
}

// release closes and removes the backing file. Safe to call more than once;
// the file is removed exactly once.
func (b *tableBuffer) release() {
	if b.released {
		return
	}
	b.released = true
	b.file.Close()
	os.Remove(b.file.Name())
}

// stageLocal materializes the buffer under the staged filename inside a fresh
// temporary directory, since the warehouse derives the staged name from the
// local basename. With gzip enabled the copy is compressed and the name gains
// a .gz suffix. The returned cleanup removes the directory.
func (b *tableBuffer) stageLocal(filename string, gzipCompress bool) (string, func(), error) {
	dir, err := os.MkdirTemp("", "stage-export-put-")
	if err != nil {
		return "", nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to create staging dir")
	}
	cleanup := func() { os.RemoveAll(dir) }

	src, err := os.Open(b.file.Name())
	if err != nil {
		cleanup()
		return "", nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to reopen buffer file")
	}
	defer src.Close()

	if gzipCompress {
		filename += ".gz"
	}
	local := filepath.Join(dir, filename)

	dst, err := os.Create(local)
	if err != nil {
		cleanup()
		return "", nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to create staged copy")
	}

	var w io.Writer = dst
	var gz *gzip.Writer
	if gzipCompress {
		gz = gzip.NewWriter(dst)
		w = gz
	}

	if _, err := io.Copy(w, src); err != nil {
		dst.Close()
		cleanup()
		return "", nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to copy buffer for upload")
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			dst.Close()
			cleanup()
			return "", nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to finish gzip stream")
		}
	}
	if err := dst.Close(); err != nil {
		cleanup()
		return "", nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to close staged copy")
	}

	return local, cleanup, nil
}
