package attachment

import (
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
)

// DiskFile is a File backed by a local path.
type DiskFile struct {
	path      string
	name      string
	mediaType string
	size      int64
}

// OpenPath stats the file and resolves its media type from the extension,
// falling back to content sniffing.
func OpenPath(path string) (*DiskFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	return &DiskFile{
		path:      path,
		name:      filepath.Base(path),
		mediaType: detectType(path),
		size:      info.Size(),
	}, nil
}

func detectType(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return baseType(t)
	}
	m, err := mimetype.DetectFile(path)
	if err != nil {
		return ""
	}
	return baseType(m.String())
}

// baseType strips parameters such as "; charset=utf-8".
func baseType(t string) string {
	mt, _, err := mime.ParseMediaType(t)
	if err != nil {
		return t
	}
	return mt
}

func (f *DiskFile) Name() string { return f.name }
func (f *DiskFile) Type() string { return f.mediaType }
func (f *DiskFile) Size() int64  { return f.size }

func (f *DiskFile) Open() (io.ReadCloser, error) {
	return os.Open(f.path)
}

// FormFile adapts an uploaded multipart part.
type FormFile struct {
	header *multipart.FileHeader
}

func NewFormFile(h *multipart.FileHeader) *FormFile {
	return &FormFile{header: h}
}

func (f *FormFile) Name() string { return filepath.Base(f.header.Filename) }
func (f *FormFile) Type() string { return baseType(f.header.Header.Get("Content-Type")) }
func (f *FormFile) Size() int64  { return f.header.Size }

func (f *FormFile) Open() (io.ReadCloser, error) {
	return f.header.Open()
}
