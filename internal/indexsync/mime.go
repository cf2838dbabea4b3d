package indexsync

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"strings"
)

const DefaultMimeType = "application/octet-stream"

// Detector guesses a mime type from a file name. Entries from a mime.types
// file win over the platform table.
type Detector struct {
	byExt map[string]string
}

func NewDetector() *Detector {
	return &Detector{byExt: make(map[string]string)}
}

// LoadDetector reads a mime.types file. A missing file yields a detector
// backed by the platform table only.
func LoadDetector(filename string) (*Detector, error) {
	d := NewDetector()
	if filename == "" {
		return d, nil
	}
	f, err := os.Open(filename)
	if errors.Is(err, fs.ErrNotExist) {
		return d, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open mime types: %w", err)
	}
	defer f.Close()
	if err := d.Read(f); err != nil {
		return nil, fmt.Errorf("read mime types %s: %w", filename, err)
	}
	return d, nil
}

// Read adds "type ext ext..." lines. Blank lines and # comments are skipped.
func (d *Detector) Read(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		for _, ext := range fields[1:] {
			d.byExt[strings.ToLower(strings.TrimPrefix(ext, "."))] = fields[0]
		}
	}
	return scanner.Err()
}

// ByName returns the mime type for name, or "" when nothing matches.
func (d *Detector) ByName(name string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
	if ext == "" {
		return ""
	}
	if t, ok := d.byExt[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension("." + ext); t != "" {
		mediaType, _, err := mime.ParseMediaType(t)
		if err == nil {
			return mediaType
		}
		return t
	}
	return ""
}

func isText(mimeType string) bool {
	return strings.HasPrefix(mimeType, "text/")
}
