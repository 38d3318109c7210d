// Package mpart reads and writes the multipart/x-mixed-replace frame streams
// that detection workers emit. Every part is one encoded video frame.
//
// The wire format, with the fixed boundary "frame":
//
//	--frame\r\n
//	Content-Type: image/jpeg\r\n
//	Content-Length: <n>\r\n
//	\r\n
//	<frame bytes>\r\n
//
// Workers are allowed to omit Content-Length, in which case the part runs
// until the next boundary.
package mpart

import (
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
)

// Boundary is the fixed part separator used by the workers.
const Boundary = "frame"

// ContentType is the value of the Content-Type header on a feed response.
const ContentType = "multipart/x-mixed-replace; boundary=" + Boundary

// Frame is one decoded part of the stream.
type Frame struct {
	ContentType string // eg "image/jpeg"
	Data        []byte
}

// Stream is a Reader bound to its underlying connection, so that the
// consumer can tear the whole thing down.
type Stream struct {
	*Reader
	closer io.Closer
}

func NewStream(r *Reader, closer io.Closer) *Stream {
	return &Stream{Reader: r, closer: closer}
}

func (s *Stream) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// Reader decodes a multipart frame stream.
type Reader struct {
	mr *multipart.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{mr: multipart.NewReader(r, Boundary)}
}

// NewReaderFromResponse validates the response content type and returns a
// Reader using the boundary that the worker declared.
func NewReaderFromResponse(resp *http.Response) (*Reader, error) {
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("Invalid stream content type: %w", err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return nil, fmt.Errorf("Expected a multipart stream, but content type is '%v'", mediaType)
	}
	boundary := params["boundary"]
	if boundary == "" {
		boundary = Boundary
	}
	return &Reader{mr: multipart.NewReader(resp.Body, boundary)}, nil
}

// Next returns the next frame, or io.EOF when the upstream ends cleanly.
func (r *Reader) Next() (*Frame, error) {
	part, err := r.mr.NextPart()
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(part)
	if err != nil {
		return nil, err
	}
	contentType := part.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/jpeg"
	}
	return &Frame{ContentType: contentType, Data: data}, nil
}

// WriteFrame emits one part onto w.
func WriteFrame(w io.Writer, f *Frame) error {
	if _, err := fmt.Fprintf(w, "--%v\r\nContent-Type: %v\r\nContent-Length: %v\r\n\r\n", Boundary, f.ContentType, len(f.Data)); err != nil {
		return err
	}
	if _, err := w.Write(f.Data); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}
