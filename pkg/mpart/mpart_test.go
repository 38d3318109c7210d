package mpart

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteThenRead(t *testing.T) {
	buf := bytes.Buffer{}
	frames := []Frame{
		{ContentType: "image/jpeg", Data: []byte{0xff, 0xd8, 0xff, 0x00, 0x01}},
		{ContentType: "image/jpeg", Data: []byte("second frame, longer than the first and with\r\nembedded newlines")},
	}
	for i := range frames {
		require.NoError(t, WriteFrame(&buf, &frames[i]))
	}

	r := NewReader(&buf)
	for i := range frames {
		f, err := r.Next()
		require.NoError(t, err)
		require.Equal(t, frames[i].ContentType, f.ContentType)
		require.Equal(t, frames[i].Data, f.Data)
	}
	_, err := r.Next()
	require.Error(t, err) // stream ends without a closing boundary
}

// Workers built on Flask/OpenCV omit Content-Length, and some omit the
// final boundary terminator. We must still parse what they send.
func TestReadWithoutContentLength(t *testing.T) {
	raw := "--frame\r\nContent-Type: image/jpeg\r\n\r\nAAAA\r\n" +
		"--frame\r\nContent-Type: image/jpeg\r\n\r\nBBBBBB\r\n" +
		"--frame--\r\n"
	r := NewReader(bytes.NewReader([]byte(raw)))

	f, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, []byte("AAAA"), f.Data)

	f, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, []byte("BBBBBB"), f.Data)
	require.Equal(t, "image/jpeg", f.ContentType)

	_, err = r.Next()
	require.Equal(t, io.EOF, err)
}
