package cpio

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteThenReadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	require.NoError(t, w.WriteHeader(&Header{Mode: 040755, Name: "dir"}))
	body := []byte("hello cpio")
	require.NoError(t, w.WriteHeader(&Header{Mode: 0100644, FileSize: uint32(len(body)), Name: "dir/file"}))
	_, err := w.Write(body)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r := NewReader(&buf)

	h, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, "dir", h.Name)
	require.EqualValues(t, 040755, h.Mode)
	require.Zero(t, h.FileSize)

	h, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, "dir/file", h.Name)
	require.EqualValues(t, len(body), h.FileSize)
	got, err := io.ReadAll(r.Body())
	require.NoError(t, err)
	require.Equal(t, body, got)

	_, err = r.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestReaderDrainsUnreadBodies(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for _, e := range []struct {
		name string
		body string
	}{
		{"a", "first body"},
		{"b", "second"},
	} {
		require.NoError(t, w.WriteHeader(&Header{Mode: 0100644, FileSize: uint32(len(e.body)), Name: e.name}))
		_, err := w.Write([]byte(e.body))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	r := NewReader(&buf)
	_, err := r.Next() // skip "a" without touching its body
	require.NoError(t, err)
	h, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, "b", h.Name)
	got, err := io.ReadAll(r.Body())
	require.NoError(t, err)
	require.Equal(t, "second", string(got))
}

func TestOddSizedNamesAndBodiesStayAligned(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	entries := map[string]string{
		"x":       "1",
		"yy":      "22",
		"zzz":     "333",
		"wwww":    "4444",
		"longern": "55555",
	}
	for _, name := range []string{"x", "yy", "zzz", "wwww", "longern"} {
		body := entries[name]
		require.NoError(t, w.WriteHeader(&Header{Mode: 0100644, FileSize: uint32(len(body)), Name: name}))
		_, err := w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	r := NewReader(&buf)
	for i := 0; i < len(entries); i++ {
		h, err := r.Next()
		require.NoError(t, err)
		got, err := io.ReadAll(r.Body())
		require.NoError(t, err)
		require.Equal(t, entries[h.Name], string(got))
	}
	_, err := r.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestInoAutoAssignmentIsSequential(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteHeader(&Header{Mode: 0100644, Name: "a"}))
	require.NoError(t, w.WriteHeader(&Header{Mode: 0100644, Name: "b"}))
	require.NoError(t, w.Close())

	r := NewReader(&buf)
	h1, err := r.Next()
	require.NoError(t, err)
	h2, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, h1.Ino+1, h2.Ino)
}

func TestBadMagicIsRejected(t *testing.T) {
	r := NewReader(strings.NewReader("000000" + strings.Repeat("0", 104)))
	_, err := r.Next()
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestShortEntryIsRejectedOnClose(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteHeader(&Header{Mode: 0100644, FileSize: 10, Name: "f"}))
	_, err := w.Write([]byte("underfull"))
	require.NoError(t, err)
	require.Error(t, w.Close())
	require.Error(t, w.WriteHeader(&Header{Name: "next"}))
}
