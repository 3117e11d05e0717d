package backend

import (
	"errors"
	"io"
	"iter"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const readBufSize = 4096

// Stream is the body of one chat turn as a lazy, finite sequence of decoded
// text fragments, one per body read. It cannot be restarted.
type Stream struct {
	sessionID string
	body      io.ReadCloser
	dec       transform.Transformer
	raw       []byte
	dst       []byte
	pending   []byte // undecoded tail of a character split across reads
	done      bool
	err       error
}

// NewStream wraps body with a stateful UTF-8 decoder. Characters split
// across reads are held back until complete; malformed bytes decode to U+FFFD.
func NewStream(body io.ReadCloser, sessionID string) *Stream {
	return &Stream{
		sessionID: sessionID,
		body:      body,
		dec:       unicode.UTF8.NewDecoder(),
		raw:       make([]byte, readBufSize),
		dst:       make([]byte, 2*readBufSize),
	}
}

// SessionID is the correlation id the server returned, possibly empty.
func (s *Stream) SessionID() string {
	return s.sessionID
}

// Next returns the next non-empty fragment, io.EOF once the body is done, or
// the read error that ended it.
func (s *Stream) Next() (string, error) {
	for !s.done {
		n, rerr := s.body.Read(s.raw)
		atEOF := false
		if rerr != nil {
			s.done = true
			s.err = rerr
			atEOF = errors.Is(rerr, io.EOF)
		}
		src := s.raw[:n]
		if len(s.pending) > 0 {
			src = append(s.pending, src...)
			s.pending = nil
		}
		text, err := s.decode(src, atEOF)
		if err != nil {
			s.done = true
			s.err = err
		}
		if text != "" {
			return text, nil
		}
	}
	return "", s.err
}

func (s *Stream) decode(src []byte, atEOF bool) (string, error) {
	var out []byte
	for {
		nDst, nSrc, err := s.dec.Transform(s.dst, src, atEOF)
		out = append(out, s.dst[:nDst]...)
		src = src[nSrc:]
		switch {
		case err == nil:
			return string(out), nil
		case errors.Is(err, transform.ErrShortDst):
			continue
		case errors.Is(err, transform.ErrShortSrc):
			s.pending = append([]byte(nil), src...)
			return string(out), nil
		default:
			return string(out), err
		}
	}
}

// Fragments adapts Next to a range-over-func iterator. The terminal io.EOF
// is not yielded; any other error is yielded once as the last element.
func (s *Stream) Fragments() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for {
			frag, err := s.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", err)
				return
			}
			if !yield(frag, nil) {
				return
			}
		}
	}
}

func (s *Stream) Close() error {
	if s.body == nil {
		return nil
	}
	return s.body.Close()
}
