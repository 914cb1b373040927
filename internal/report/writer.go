package report

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Output file names under the final directory.
const (
	FileResolvedCSV  = "resolved_assignments.csv"
	FileResolvedJSON = "resolved_assignments.json"
	FileRoleMatrix   = "role_matrix.csv"
	FileUserMatrix   = "user_matrix.csv"
	FileIdentities   = "combined_user_identities.json"
	FileUserChart    = "bubble_chart_users.html"
	FileRoleChart    = "bubble_chart_roles.html"
	FileSummary      = "summary.md"
)

// File describes one written report file.
type File struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Records int    `json:"records"`
	SHA256  string `json:"sha256"`
}

// Writer renders report files into a directory.
type Writer struct {
	dir    string
	logger zerolog.Logger
}

// NewWriter creates a writer targeting dir, usually <workspace>/final.
func NewWriter(dir string, logger zerolog.Logger) *Writer {
	return &Writer{dir: dir, logger: logger.With().Str("component", "report").Logger()}
}

// Write renders every report file from in. Files are written to temporary
// names and renamed, so a failed run leaves the previous report intact
// file by file.
func (w *Writer) Write(in Input) ([]File, error) {
	if in.GeneratedAt.IsZero() {
		in.GeneratedAt = time.Now().UTC()
	}
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating report dir: %w", err)
	}

	ds := build(in)
	var files []File

	steps := []struct {
		name   string
		render func(io.Writer) (int, error)
	}{
		{FileResolvedCSV, func(out io.Writer) (int, error) { return len(ds.rows), writeResolvedCSV(out, ds) }},
		{FileResolvedJSON, func(out io.Writer) (int, error) { return len(ds.rows), writeResolvedJSON(out, ds, in) }},
		{FileRoleMatrix, func(out io.Writer) (int, error) { return len(ds.rows), writeRoleMatrix(out, ds) }},
		{FileUserMatrix, func(out io.Writer) (int, error) { return writeUserMatrix(out, ds) }},
		{FileIdentities, func(out io.Writer) (int, error) { return countIdentities(ds), writeIdentities(out, ds) }},
		{FileUserChart, func(out io.Writer) (int, error) { return writeUserChart(out, ds) }},
		{FileRoleChart, func(out io.Writer) (int, error) { return writeRoleChart(out, ds) }},
	}

	for _, s := range steps {
		f, err := w.writeFile(s.name, s.render)
		if err != nil {
			return files, err
		}
		files = append(files, f)
	}

	summary, err := w.writeFile(FileSummary, func(out io.Writer) (int, error) {
		return len(ds.rows), writeSummary(out, ds, in, files)
	})
	if err != nil {
		return files, err
	}
	files = append(files, summary)

	w.logger.Info().Str("dir", w.dir).Int("files", len(files)).Int("rows", len(ds.rows)).Msg("report written")
	return files, nil
}

func (w *Writer) writeFile(name string, render func(io.Writer) (int, error)) (File, error) {
	path := filepath.Join(w.dir, name)
	tmp, err := os.CreateTemp(w.dir, "."+name+".*")
	if err != nil {
		return File{}, fmt.Errorf("creating %s: %w", name, err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	n, err := render(io.MultiWriter(tmp, h))
	if err != nil {
		tmp.Close()
		return File{}, fmt.Errorf("writing %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return File{}, fmt.Errorf("closing %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return File{}, fmt.Errorf("renaming %s: %w", name, err)
	}

	w.logger.Debug().Str("file", name).Int("records", n).Msg("wrote report file")
	return File{Name: name, Path: path, Records: n, SHA256: hex.EncodeToString(h.Sum(nil))}, nil
}

func countIdentities(ds *dataset) int {
	n := 0
	for _, byID := range ds.identities {
		n += len(byID)
	}
	return n
}
