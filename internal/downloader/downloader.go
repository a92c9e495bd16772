// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package downloader fetches dataset files over HTTP, verifies them and extracts archives.
package downloader

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// File is a remote file stored locally at Path. SHA256, if set, is the hex encoded checksum of its contents.
type File struct {
	URL, Path, SHA256 string
}

// ShowProgressBar controls whether downloads draw a progress bar on stderr.
var ShowProgressBar = true

// Download fetches f.URL into f.Path, creating its directory if needed.
//
// Contents go to f.Path+".partial" first and are renamed once complete, so an interrupted
// download is never taken for a finished one.
func Download(f File) (size int64, err error) {
	if err = os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return 0, errors.Wrapf(err, "creating directory for %q", f.Path)
	}
	partialPath := f.Path + ".partial"
	out, err := os.Create(partialPath)
	if err != nil {
		return 0, errors.Wrapf(err, "creating %q", partialPath)
	}
	defer func() {
		if err != nil {
			_ = out.Close()
			_ = os.Remove(partialPath)
		}
	}()

	resp, err := http.Get(f.URL)
	if err != nil {
		return 0, errors.Wrapf(err, "downloading %q", f.URL)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		err = errors.Errorf("downloading %q: HTTP status %s", f.URL, resp.Status)
		return 0, err
	}

	var dst io.Writer = out
	if ShowProgressBar {
		bar := progressbar.DefaultBytes(resp.ContentLength, filepath.Base(f.Path))
		defer func() { _ = bar.Close() }()
		dst = io.MultiWriter(out, bar)
	}
	if size, err = io.Copy(dst, resp.Body); err != nil {
		return 0, errors.Wrapf(err, "downloading %q to %q", f.URL, f.Path)
	}
	if err = out.Close(); err != nil {
		return 0, errors.Wrapf(err, "closing %q", partialPath)
	}
	if err = os.Rename(partialPath, f.Path); err != nil {
		return 0, errors.Wrapf(err, "renaming %q to %q", partialPath, f.Path)
	}
	klog.V(1).Infof("Downloaded %s from %q to %q", humanize.IBytes(uint64(size)), f.URL, f.Path)
	return size, nil
}

// Verify returns an error if the contents of f.Path don't match f.SHA256. Files without a checksum
// are always accepted.
func Verify(f File) error {
	if f.SHA256 == "" {
		return nil
	}
	in, err := os.Open(f.Path)
	if err != nil {
		return errors.Wrapf(err, "opening %q to verify its checksum", f.Path)
	}
	defer func() { _ = in.Close() }()
	hasher := sha256.New()
	if _, err = io.Copy(hasher, in); err != nil {
		return errors.Wrapf(err, "reading %q to verify its checksum", f.Path)
	}
	got := hex.EncodeToString(hasher.Sum(nil))
	if !strings.EqualFold(got, f.SHA256) {
		return errors.Errorf("file %q has SHA-256 %s, expected %s: remove it and download again", f.Path, got, f.SHA256)
	}
	return nil
}

// Fetch downloads f if f.Path doesn't exist yet, and verifies it.
func Fetch(f File) error {
	exists, err := fsutil.FileExists(f.Path)
	if err != nil {
		return err
	}
	if !exists {
		klog.Infof("Downloading %s", f.URL)
		if _, err = Download(f); err != nil {
			return err
		}
	}
	return Verify(f)
}

// ExtractTarGz extracts the regular files and directories of a .tar.gz archive under dir. Entries
// escaping dir are rejected.
func ExtractTarGz(archive, dir string) error {
	in, err := os.Open(archive)
	if err != nil {
		return errors.Wrapf(err, "opening %q", archive)
	}
	defer func() { _ = in.Close() }()
	gz, err := gzip.NewReader(in)
	if err != nil {
		return errors.Wrapf(err, "reading gzip header of %q", archive)
	}
	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "reading %q", archive)
		}
		target := filepath.Join(dir, header.Name)
		if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) {
			return errors.Errorf("archive %q has entry %q outside of %q", archive, header.Name, dir)
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err = os.MkdirAll(target, 0o755); err != nil {
				return errors.Wrapf(err, "creating %q", target)
			}
		case tar.TypeReg:
			if err = extractFile(tr, target); err != nil {
				return err
			}
		default:
			klog.V(2).Infof("Skipping %q from %q", header.Name, archive)
		}
	}
}

func extractFile(r io.Reader, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errors.Wrapf(err, "creating directory for %q", target)
	}
	out, err := os.Create(target)
	if err != nil {
		return errors.Wrapf(err, "creating %q", target)
	}
	if _, err = io.Copy(out, r); err != nil {
		_ = out.Close()
		return errors.Wrapf(err, "extracting %q", target)
	}
	return errors.Wrapf(out.Close(), "closing %q", target)
}

// FetchAndExtract makes sure the archive f was extracted under dir, creating the directory
// extractedDir (relative to dir). The archive is downloaded if needed.
func FetchAndExtract(f File, dir, extractedDir string) error {
	target := filepath.Join(dir, extractedDir)
	if exists, err := fsutil.FileExists(target); err != nil || exists {
		return err
	}
	if err := Fetch(f); err != nil {
		return err
	}
	if err := ExtractTarGz(f.Path, dir); err != nil {
		return err
	}
	if exists, _ := fsutil.FileExists(target); !exists {
		return errors.Errorf("extracted %q but it did not contain %q", f.Path, extractedDir)
	}
	return nil
}
