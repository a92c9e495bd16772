// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package downloader

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	ShowProgressBar = false
}

func checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func TestFetch(t *testing.T) {
	content := []byte("glow dataset bytes")
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		_, _ = w.Write(content)
	}))
	defer server.Close()

	f := File{URL: server.URL, Path: filepath.Join(t.TempDir(), "sub", "data.bin"), SHA256: checksum(content)}
	require.NoError(t, Fetch(f))
	got, err := os.ReadFile(f.Path)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, int32(1), requests.Load())

	// The file is there: no new request.
	require.NoError(t, Fetch(f))
	assert.Equal(t, int32(1), requests.Load())
	assert.NoFileExists(t, f.Path+".partial")

	f.SHA256 = checksum([]byte("other"))
	require.Error(t, Fetch(f))
}

func TestVerify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o644))
	require.NoError(t, Verify(File{Path: path, SHA256: "BA7816BF8F01CFEA414140DE5DAE2223B00361A396177A9CB410FF61F20015AD"}))
	require.NoError(t, Verify(File{Path: path}))
	require.Error(t, Verify(File{Path: path, SHA256: "00"}))
	require.Error(t, Verify(File{Path: filepath.Join(t.TempDir(), "missing"), SHA256: "00"}))
}

func TestDownloadHTTPError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()
	f := File{URL: server.URL, Path: filepath.Join(t.TempDir(), "x.bin")}
	_, err := Download(f)
	require.Error(t, err)
	assert.NoFileExists(t, f.Path)
	assert.NoFileExists(t, f.Path+".partial")
}

// tarGz returns a .tar.gz archive with the given files.
func tarGz(t *testing.T, files map[string]string) []byte {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, contents := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(contents)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(contents))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestFetchAndExtract(t *testing.T) {
	archive := tarGz(t, map[string]string{
		"batches/data_batch_1.bin": "first",
		"batches/test_batch.bin":   "test",
	})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	}))
	defer server.Close()

	dir := t.TempDir()
	f := File{URL: server.URL, Path: filepath.Join(dir, "batches.tar.gz"), SHA256: checksum(archive)}
	require.NoError(t, FetchAndExtract(f, dir, "batches"))
	got, err := os.ReadFile(filepath.Join(dir, "batches", "test_batch.bin"))
	require.NoError(t, err)
	assert.Equal(t, "test", string(got))

	require.Error(t, FetchAndExtract(f, t.TempDir(), "missing_dir"))
}

func TestExtractTarGzRejectsEscapes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "evil.tar.gz")
	require.NoError(t, os.WriteFile(path, tarGz(t, map[string]string{"../evil.txt": "x"}), 0o644))
	require.Error(t, ExtractTarGz(path, filepath.Join(dir, "out")))
}
