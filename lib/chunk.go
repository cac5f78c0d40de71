package lib

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ChunkReader yields the file in order, one chunk of at most the configured
// payload size per call, and io.EOF at the end.
type ChunkReader interface {
	NextChunk() ([]byte, error)
}

// FileWriter receives delivered payload at its file offset.
type FileWriter interface {
	WriteAt(p []byte, off int64) (int, error)
	Close() error
}

// WriterFactory opens the writer for the file named in a transfer request.
type WriterFactory func(name string) (FileWriter, error)

// ReaderFactory opens the file named in a pull request.
type ReaderFactory func(name string) (io.ReadCloser, error)

type readerChunks struct {
	r    io.Reader
	size int
}

// NewChunkReader splits r into chunks of size bytes.
func NewChunkReader(r io.Reader, size int) ChunkReader {
	return &readerChunks{r: r, size: size}
}

func (c *readerChunks) NextChunk() ([]byte, error) {
	buf := make([]byte, c.size)
	n, err := io.ReadFull(c.r, buf)
	switch {
	case n > 0:
		return buf[:n], nil
	case err == io.ErrUnexpectedEOF || err == nil:
		return nil, io.EOF
	default:
		return nil, err
	}
}

// SanitizeFileName keeps only the base name of a requested file, rejecting
// names that would escape the output directory.
func SanitizeFileName(name string) (string, error) {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	base := filepath.Base(name)
	if base == "" || base == "." || base == ".." || base == "/" || strings.ContainsRune(base, 0) {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	return base, nil
}

// DirWriterFactory creates files under dir, named by the base name of the
// requested file.
func DirWriterFactory(dir string) WriterFactory {
	return func(name string) (FileWriter, error) {
		base, err := SanitizeFileName(name)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		return os.OpenFile(filepath.Join(dir, base), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	}
}

// DirReaderFactory serves regular files from dir, looked up by the base name
// of the requested file.
func DirReaderFactory(dir string) ReaderFactory {
	return func(name string) (io.ReadCloser, error) {
		base, err := SanitizeFileName(name)
		if err != nil {
			return nil, err
		}
		f, err := os.Open(filepath.Join(dir, base))
		if err != nil {
			return nil, err
		}
		info, err := f.Stat()
		if err == nil && !info.Mode().IsRegular() {
			err = fmt.Errorf("%s is not a regular file", base)
		}
		if err != nil {
			f.Close()
			return nil, err
		}
		return f, nil
	}
}
