package knowledge

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path"
	"path/filepath"
	"strings"

	rardecode "github.com/nwaples/rardecode/v2"
)

const maxArchiveEntryBytes int64 = 50 * 1024 * 1024

var errArchiveEmpty = errors.New("archive contains no supported files")

type archiveEntry struct {
	Name string
	Data []byte
}

// extractArchive concatenates the text of every supported entry in a zip or
// rar bundle. Nested archives are skipped.
func (e *Extractor) extractArchive(ctx context.Context, ext string, data []byte) (string, error) {
	var (
		entries []archiveEntry
		err     error
	)
	switch ext {
	case ".zip":
		entries, err = readZipEntries(data)
	case ".rar":
		entries, err = readRarEntries(data)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFileType, ext)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}

	var b strings.Builder
	extracted := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		out, err := e.extractBytes(ctx, entry.Name, entry.Data, false)
		if err != nil {
			log.Printf("knowledge: skip archive entry %s: %v", entry.Name, err)
			continue
		}
		if strings.TrimSpace(out) == "" {
			continue
		}
		if extracted > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(out)
		extracted++
	}
	if extracted == 0 {
		return "", fmt.Errorf("%w: %v", ErrExtractionFailed, errArchiveEmpty)
	}
	return b.String(), nil
}

func readZipEntries(data []byte) ([]archiveEntry, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("parse zip archive: %w", err)
	}
	var entries []archiveEntry
	for _, file := range reader.File {
		if file.FileInfo().IsDir() {
			continue
		}
		name, ok := archiveEntryName(file.Name)
		if !ok {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return nil, fmt.Errorf("open entry %s: %w", name, err)
		}
		body, err := readLimited(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read entry %s: %w", name, err)
		}
		entries = append(entries, archiveEntry{Name: name, Data: body})
	}
	return entries, nil
}

func readRarEntries(data []byte) ([]archiveEntry, error) {
	rr, err := rardecode.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse rar archive: %w", err)
	}
	var entries []archiveEntry
	for {
		header, err := rr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read rar entry: %w", err)
		}
		if header.IsDir {
			continue
		}
		name, ok := archiveEntryName(header.Name)
		if !ok {
			if _, err := io.Copy(io.Discard, rr); err != nil {
				return nil, fmt.Errorf("discard rar entry: %w", err)
			}
			continue
		}
		body, err := readLimited(rr)
		if err != nil {
			return nil, fmt.Errorf("read entry %s: %w", name, err)
		}
		entries = append(entries, archiveEntry{Name: name, Data: body})
	}
	return entries, nil
}

// archiveEntryName normalizes an entry path and reports whether the entry
// should be extracted at all.
func archiveEntryName(name string) (string, bool) {
	normalized := strings.ReplaceAll(strings.TrimSpace(name), "\\", "/")
	normalized = strings.TrimPrefix(path.Clean(normalized), "./")
	if normalized == "" || normalized == "." || strings.HasPrefix(normalized, "../") {
		return "", false
	}
	if strings.HasPrefix(strings.ToLower(normalized), "__macosx/") {
		return "", false
	}
	ext := strings.ToLower(filepath.Ext(normalized))
	if ext == ".zip" || ext == ".rar" || !SupportedExtension(ext) {
		return "", false
	}
	return normalized, true
}

func readLimited(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, maxArchiveEntryBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > maxArchiveEntryBytes {
		return nil, fmt.Errorf("entry exceeds %d bytes", maxArchiveEntryBytes)
	}
	return body, nil
}
