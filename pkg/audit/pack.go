package audit

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// WritePack writes a bundle as a zip evidence pack: events.json,
// manifest.json and a README for the person receiving it.
func WritePack(w io.Writer, b *Bundle) error {
	if err := VerifyBundle(b); err != nil {
		return fmt.Errorf("audit: refusing to pack unverifiable bundle: %w", err)
	}

	eventsJSON, err := json.MarshalIndent(b.Events, "", "  ")
	if err != nil {
		return err
	}
	manifestJSON, err := json.MarshalIndent(map[string]any{
		"bundle_id":    b.BundleID,
		"version":      b.Version,
		"action_id":    b.ActionID,
		"generated_at": b.CreatedAt,
		"event_count":  b.EventCount,
		"chain_head":   b.ChainHead,
		"bundle_hash":  b.BundleHash,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("audit: failed to marshal manifest: %w", err)
	}

	zw := zip.NewWriter(w)
	files := []struct {
		name string
		data []byte
	}{
		{"events.json", eventsJSON},
		{"manifest.json", manifestJSON},
		{"README.txt", []byte(fmt.Sprintf(
			"Audit evidence pack for action %s\nGenerated at %s\nVerify with: opsgate audit verify --pack <file>\n",
			b.ActionID, b.CreatedAt.Format(time.RFC3339)))},
	}
	for _, f := range files {
		fw, err := zw.Create(f.name)
		if err != nil {
			return err
		}
		if _, err := fw.Write(f.data); err != nil {
			return err
		}
	}
	return zw.Close()
}

// ReadPack reassembles a bundle from a pack written by WritePack.
func ReadPack(r io.ReaderAt, size int64) (*Bundle, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("audit: open pack: %w", err)
	}
	var b Bundle
	var sawEvents, sawManifest bool
	for _, f := range zr.File {
		switch f.Name {
		case "events.json":
			if err := decodeZipJSON(f, &b.Events); err != nil {
				return nil, err
			}
			sawEvents = true
		case "manifest.json":
			var m struct {
				BundleID   string    `json:"bundle_id"`
				Version    string    `json:"version"`
				ActionID   string    `json:"action_id"`
				CreatedAt  time.Time `json:"generated_at"`
				EventCount int       `json:"event_count"`
				ChainHead  string    `json:"chain_head"`
				BundleHash string    `json:"bundle_hash"`
			}
			if err := decodeZipJSON(f, &m); err != nil {
				return nil, err
			}
			b.BundleID, b.Version, b.ActionID = m.BundleID, m.Version, m.ActionID
			b.CreatedAt, b.EventCount = m.CreatedAt, m.EventCount
			b.ChainHead, b.BundleHash = m.ChainHead, m.BundleHash
			sawManifest = true
		}
	}
	if !sawEvents || !sawManifest {
		return nil, fmt.Errorf("audit: pack is missing events.json or manifest.json")
	}
	return &b, nil
}

func decodeZipJSON(f *zip.File, v any) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()
	if err := json.NewDecoder(rc).Decode(v); err != nil {
		return fmt.Errorf("audit: decode %s: %w", f.Name, err)
	}
	return nil
}
