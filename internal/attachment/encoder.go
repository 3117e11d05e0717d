package attachment

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"copydesk/internal/models"
)

// MaxFileSize is the per-file ceiling (20 MiB).
const MaxFileSize int64 = 20 << 20

var allowedTypes = map[string]struct{}{
	"image/jpeg":      {},
	"image/png":       {},
	"image/webp":      {},
	"image/gif":       {},
	"application/pdf": {},
	"text/plain":      {},
	"text/markdown":   {},
	"text/csv":        {},
}

// text-like files browsers often report with an empty or odd type
var fallbackExts = map[string]struct{}{
	".md":  {},
	".txt": {},
	".csv": {},
}

var (
	ErrTypeNotAllowed = errors.New("file type not allowed")
	ErrTooLarge       = errors.New("file exceeds size limit")
)

// File is a raw, user-selected file handle.
type File interface {
	Name() string
	Type() string
	Size() int64
	Open() (io.ReadCloser, error)
}

// Encoder filters files and converts the survivors to inline attachments.
type Encoder struct {
	maxSize     int64
	concurrency int
	logger      *zap.Logger
}

type Option func(*Encoder)

func WithMaxSize(n int64) Option {
	return func(e *Encoder) {
		if n > 0 {
			e.maxSize = n
		}
	}
}

// WithConcurrency bounds how many files are read at once.
func WithConcurrency(n int) Option {
	return func(e *Encoder) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

func NewEncoder(logger *zap.Logger, opts ...Option) *Encoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Encoder{maxSize: MaxFileSize, concurrency: 4, logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MaxSize reports the configured ceiling.
func (e *Encoder) MaxSize() int64 {
	return e.maxSize
}

// Validate applies the type check first, then the size check.
func (e *Encoder) Validate(f File) error {
	if !TypeAllowed(f.Type(), f.Name()) {
		return fmt.Errorf("%s: %w", f.Name(), ErrTypeNotAllowed)
	}
	if f.Size() > e.maxSize {
		return fmt.Errorf("%s: %w", f.Name(), ErrTooLarge)
	}
	return nil
}

// TypeAllowed reports whether the declared media type is on the allow-list
// or the name carries one of the text extensions.
func TypeAllowed(mediaType, name string) bool {
	if _, ok := allowedTypes[mediaType]; ok {
		return true
	}
	// exact suffix match: NOTES.MD is not a markdown file here
	_, ok := fallbackExts[filepath.Ext(name)]
	return ok
}

// Encode returns the accepted subset of files in input order. Rejected or
// unreadable files are skipped; the batch itself never fails.
func (e *Encoder) Encode(ctx context.Context, files []File) []models.Attachment {
	slots := make([]*models.Attachment, len(files))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, f := range files {
		if f == nil {
			continue
		}
		if err := e.Validate(f); err != nil {
			e.logger.Debug("attachment rejected", zap.String("name", f.Name()), zap.Error(err))
			continue
		}
		g.Go(func() error {
			att, err := e.encodeOne(ctx, f)
			if err != nil {
				e.logger.Warn("attachment read failed", zap.String("name", f.Name()), zap.Error(err))
				return nil
			}
			slots[i] = att
			return nil
		})
	}
	_ = g.Wait()

	out := make([]models.Attachment, 0, len(files))
	for _, att := range slots {
		if att != nil {
			out = append(out, *att)
		}
	}
	return out
}

func (e *Encoder) encodeOne(ctx context.Context, f File) (*models.Attachment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer rc.Close()

	// one extra byte tells us the declared size was wrong
	data, err := io.ReadAll(io.LimitReader(rc, e.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	if int64(len(data)) > e.maxSize {
		return nil, ErrTooLarge
	}

	mediaType := f.Type()
	if mediaType == "" {
		mediaType = "text/plain"
	}
	return &models.Attachment{
		Name: f.Name(),
		Type: mediaType,
		Size: int64(len(data)),
		Data: base64.StdEncoding.EncodeToString(data),
	}, nil
}
