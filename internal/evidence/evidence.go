// Package evidence ingests measurement evidence packs: zip archives
// carrying a manifest.json whose bundle_sha256 is computed over the
// manifest itself (with the bundle_sha256 field omitted) using sorted-keys
// canonical serialization.
//
// The core does not interpret measurement data; it only verifies the
// pack's integrity and persists its files as content-addressed blobs.
package evidence

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/rmos/core/internal/canon"
)

// ManifestFile describes one file carried by an evidence pack.
type ManifestFile struct {
	Relpath string `json:"relpath"`
	SHA256  string `json:"sha256"`
	Bytes   int64  `json:"bytes"`
	Mime    string `json:"mime"`
	Kind    string `json:"kind"`
}

// Manifest is the manifest.json at the root of an evidence pack.
type Manifest struct {
	SchemaID        string         `json:"schema_id"`
	BundleSHA256    string         `json:"bundle_sha256"`
	Files           []ManifestFile `json:"files"`
	MeasurementOnly bool           `json:"measurement_only"`
}

// Report summarizes a successful ingest.
type Report struct {
	SchemaID      string   `json:"schema_id"`
	BundleSHA256  string   `json:"bundle_sha256"`
	FilesIngested int      `json:"files_ingested"`
	SHA256s       []string `json:"sha256s"`
}

// BlobStore is the narrow slice of the artifact store the ingester needs.
type BlobStore interface {
	PutBlob(ctx context.Context, bytes []byte, mime, kind, filename string) (string, error)
}

var (
	// ErrManifestMissing indicates the archive has no manifest.json at its
	// root.
	ErrManifestMissing = errors.New("evidence: manifest.json missing")
	// ErrNotMeasurementOnly indicates the manifest does not carry the
	// measurement_only assertion the ingestion contract requires.
	ErrNotMeasurementOnly = errors.New("evidence: manifest does not assert measurement_only")
	// ErrBundleHashMismatch indicates the manifest's bundle_sha256 does not
	// match the canonical hash of the manifest with that field omitted.
	ErrBundleHashMismatch = errors.New("evidence: bundle_sha256 mismatch")
	// ErrFileMissing indicates a manifest-listed file is absent from the
	// archive.
	ErrFileMissing = errors.New("evidence: manifest-listed file missing from archive")
	// ErrFileHashMismatch indicates an archived file's content does not
	// match its manifest sha256.
	ErrFileHashMismatch = errors.New("evidence: file sha256 mismatch")
)

// Ingest verifies an evidence pack and persists its files as
// content-addressed blobs. Verification covers the measurement_only
// assertion, the manifest's bundle_sha256 (recomputed over the manifest
// with its own bundle_sha256 field omitted, sorted-keys canonical
// serialization), and every listed file's sha256 and byte length. Nothing
// is persisted unless the whole pack verifies.
func Ingest(ctx context.Context, store BlobStore, pack []byte) (Report, error) {
	zr, err := zip.NewReader(bytes.NewReader(pack), int64(len(pack)))
	if err != nil {
		return Report{}, fmt.Errorf("evidence: open archive: %w", err)
	}

	manifestRaw, err := readArchiveFile(zr, "manifest.json")
	if err != nil {
		return Report{}, ErrManifestMissing
	}

	var manifest Manifest
	if err := json.Unmarshal(manifestRaw, &manifest); err != nil {
		return Report{}, fmt.Errorf("evidence: decode manifest: %w", err)
	}
	if !manifest.MeasurementOnly {
		return Report{}, ErrNotMeasurementOnly
	}

	computed, err := bundleHash(manifestRaw)
	if err != nil {
		return Report{}, err
	}
	if computed != manifest.BundleSHA256 {
		return Report{}, fmt.Errorf("%w: manifest declares %s, canonical hash is %s",
			ErrBundleHashMismatch, manifest.BundleSHA256, computed)
	}

	// Verify every file before persisting any, so a bad pack leaves no
	// partial state behind.
	contents := make([][]byte, len(manifest.Files))
	for i, f := range manifest.Files {
		data, err := readArchiveFile(zr, f.Relpath)
		if err != nil {
			return Report{}, fmt.Errorf("%w: %s", ErrFileMissing, f.Relpath)
		}
		if int64(len(data)) != f.Bytes {
			return Report{}, fmt.Errorf("%w: %s: manifest declares %d bytes, archive holds %d",
				ErrFileHashMismatch, f.Relpath, f.Bytes, len(data))
		}
		if sum := canon.SHA256Bytes(data); sum != f.SHA256 {
			return Report{}, fmt.Errorf("%w: %s", ErrFileHashMismatch, f.Relpath)
		}
		contents[i] = data
	}

	report := Report{
		SchemaID:     manifest.SchemaID,
		BundleSHA256: manifest.BundleSHA256,
	}
	for i, f := range manifest.Files {
		sha, err := store.PutBlob(ctx, contents[i], f.Mime, f.Kind, f.Relpath)
		if err != nil {
			return Report{}, fmt.Errorf("evidence: persist %s: %w", f.Relpath, err)
		}
		report.SHA256s = append(report.SHA256s, sha)
		report.FilesIngested++
	}
	return report, nil
}

// bundleHash recomputes the bundle_sha256: the canonical (sorted-keys)
// JSON of the manifest document with its bundle_sha256 field omitted.
func bundleHash(manifestRaw []byte) (string, error) {
	var doc map[string]any
	if err := json.Unmarshal(manifestRaw, &doc); err != nil {
		return "", fmt.Errorf("evidence: decode manifest for hashing: %w", err)
	}
	delete(doc, "bundle_sha256")
	sum, err := canon.SHA256Hex(doc)
	if err != nil {
		return "", fmt.Errorf("evidence: hash manifest: %w", err)
	}
	return sum, nil
}

func readArchiveFile(zr *zip.Reader, name string) ([]byte, error) {
	f, err := zr.Open(name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return io.ReadAll(f)
}
