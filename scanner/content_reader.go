package scanner

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/exp/mmap"
)

const (
	// BinarySampleBytes is how much of a file the binary heuristic inspects.
	BinarySampleBytes = 8000

	// maxContentBytes bounds a single read when no size limit is configured.
	maxContentBytes int64 = 256 * 1024 * 1024

	defaultMmapMinSize int64 = 128 * 1024
	defaultChunkSize         = 256 * 1024
)

var (
	ErrBinaryContent = errors.New("binary content")
	ErrFileTooLarge  = errors.New("file exceeds maximum size")
)

var openMmapReader = mmap.Open

// ContentReader loads file content for evaluation. Mode "auto" maps large
// files and streams small ones; "mmap" and "stream" force one strategy.
type ContentReader struct {
	mode        string
	mmapMinSize int64
	chunkSize   int
}

func NewContentReader(mode string, mmapMinSize int64, chunkSize int) *ContentReader {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = "auto"
	}
	if mmapMinSize <= 0 {
		mmapMinSize = defaultMmapMinSize
	}
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return &ContentReader{mode: mode, mmapMinSize: mmapMinSize, chunkSize: chunkSize}
}

// Read returns the whole content of path. It fails with ErrFileTooLarge
// instead of truncating when the file is bigger than maxSize (0 = no limit).
func (r *ContentReader) Read(path string, maxSize int64) ([]byte, error) {
	if maxSize <= 0 || maxSize > maxContentBytes {
		maxSize = maxContentBytes
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > maxSize {
		return nil, ErrFileTooLarge
	}

	switch r.mode {
	case "mmap":
		return readMmap(path, info.Size())
	case "auto":
		if info.Size() >= r.mmapMinSize {
			if content, err := readMmap(path, info.Size()); err == nil {
				return content, nil
			}
		}
	}
	return readStream(path, maxSize, r.chunkSize, info.Size())
}

// ReadText reads path and rejects content that looks binary.
func (r *ContentReader) ReadText(path string, maxSize int64) (string, error) {
	content, err := r.Read(path, maxSize)
	if err != nil {
		return "", err
	}
	if LooksBinary(content) {
		return "", ErrBinaryContent
	}
	return string(content), nil
}

func readMmap(path string, size int64) ([]byte, error) {
	ra, err := openMmapReader(path)
	if err != nil {
		return nil, err
	}
	defer ra.Close()

	if size <= 0 || int64(ra.Len()) < size {
		size = int64(ra.Len())
	}
	if size <= 0 {
		return []byte{}, nil
	}
	buf := make([]byte, size)
	if _, err := ra.ReadAt(buf, 0); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

// readStream reads in chunks. The file may grow between stat and read, so
// the limit is enforced again while reading.
func readStream(path string, maxSize int64, chunkSize int, sizeHint int64) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var content []byte
	if sizeHint > 0 {
		content = make([]byte, 0, sizeHint)
	}
	buffer := make([]byte, chunkSize)
	var total int64
	for {
		n, err := file.Read(buffer)
		if n > 0 {
			total += int64(n)
			if total > maxSize {
				return nil, ErrFileTooLarge
			}
			content = append(content, buffer[:n]...)
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
	}
	if content == nil {
		content = []byte{}
	}
	return content, nil
}

// LooksBinary applies the NUL-byte heuristic to the first BinarySampleBytes.
func LooksBinary(content []byte) bool {
	if len(content) > BinarySampleBytes {
		content = content[:BinarySampleBytes]
	}
	for _, b := range content {
		if b == 0 {
			return true
		}
	}
	return false
}

// IsBinaryFile reads at most BinarySampleBytes of path and applies LooksBinary.
func IsBinaryFile(path string) (bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer file.Close()

	buf := make([]byte, BinarySampleBytes)
	n, err := io.ReadFull(file, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return false, err
	}
	return LooksBinary(buf[:n]), nil
}
