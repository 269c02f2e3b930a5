package matcher

import (
	"io"
	"os"
	"strings"

	"golang.org/x/exp/mmap"
)

const (
	defaultWindowBytes = 1 << 20
	maxWindowBytes     = 16 << 20
	defaultMmapMin     = 128 * 1024
	streamChunkSize    = 256 * 1024
)

var openMmapReader = mmap.Open

// readWindow returns up to window bytes from the start of the file.
// Files larger than the window are scanned on their prefix rather
// than skipped, so a signature planted early in a huge file is still
// seen.
func readWindow(path string, window int64, mode string, mmapMin int64) ([]byte, error) {
	window = clampWindow(window)
	if mmapMin <= 0 {
		mmapMin = defaultMmapMin
	}
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "mmap":
		return readWindowMmap(path, window)
	case "stream":
		return readWindowStream(path, window)
	default: // auto
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if info.Size() >= mmapMin {
			content, err := readWindowMmap(path, window)
			if err == nil {
				return content, nil
			}
		}
		return readWindowStream(path, window)
	}
}

func readWindowMmap(path string, window int64) ([]byte, error) {
	r, err := openMmapReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	readSize := int64(r.Len())
	if readSize > window {
		readSize = window
	}
	if readSize <= 0 {
		return []byte{}, nil
	}
	buf := make([]byte, readSize)
	if _, err := r.ReadAt(buf, 0); err != nil {
		return nil, err
	}
	return buf, nil
}

func readWindowStream(path string, window int64) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return readPrefix(file, window)
}

func readPrefix(r io.Reader, window int64) ([]byte, error) {
	var content []byte
	buffer := make([]byte, streamChunkSize)
	var total int64
	for total < window {
		n, err := r.Read(buffer)
		if n > 0 {
			chunk := buffer[:n]
			if total+int64(n) > window {
				chunk = chunk[:window-total]
			}
			content = append(content, chunk...)
			total += int64(len(chunk))
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
	}
	return content, nil
}

func clampWindow(window int64) int64 {
	if window <= 0 {
		return defaultWindowBytes
	}
	if window > maxWindowBytes {
		return maxWindowBytes
	}
	return window
}
