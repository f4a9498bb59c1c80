// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backend

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/redline/services/changeset/diff"
)

// TableScopePrefix marks a scope as tabular. The remainder of the scope
// is a relative CSV path under the document root.
const TableScopePrefix = "table:"

// backupDirName is where File.Backup places whole-store copies, excluded
// from scope resolution and backups of backups.
const backupDirName = ".redline-backups"

// =============================================================================
// Options
// =============================================================================

// FileOptions configures the file backend.
type FileOptions struct {
	// FileMode is the mode for created files (default: 0644).
	FileMode os.FileMode

	// DirMode is the mode for created directories (default: 0755).
	DirMode os.FileMode

	// CreateDirs creates parent directories on write (default: true).
	CreateDirs bool
}

// DefaultFileOptions returns sensible defaults.
func DefaultFileOptions() FileOptions {
	return FileOptions{
		FileMode:   0644,
		DirMode:    0755,
		CreateDirs: true,
	}
}

// =============================================================================
// File Backend
// =============================================================================

// File stores each text scope as a UTF-8 file and each table scope as a
// CSV file under a document root directory.
//
// Scope forms:
//
//	"notes/draft.txt"       - text file relative to the root
//	"table:budget.csv"      - CSV file with (row, col) cell semantics
//
// Thread Safety:
//
//	File is safe for concurrent use. Operations on the same scope are
//	serialized with a per-path lock; writes are atomic via a temp file
//	and rename.
type File struct {
	root    string
	options FileOptions

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewFile creates a file backend rooted at an existing absolute
// directory.
func NewFile(root string, options FileOptions) (*File, error) {
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("document root must be absolute: %s", root)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat document root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("document root is not a directory: %s", root)
	}
	if options.FileMode == 0 {
		options.FileMode = 0644
	}
	if options.DirMode == 0 {
		options.DirMode = 0755
	}
	return &File{
		root:    root,
		options: options,
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

// Root returns the document root directory.
func (f *File) Root() string {
	return f.root
}

// Read returns the current content of scope. A missing file reads as
// empty content.
func (f *File) Read(ctx context.Context, scope string) (Content, error) {
	if err := ctx.Err(); err != nil {
		return Content{}, err
	}
	path, isTable, err := f.resolve(scope)
	if err != nil {
		return Content{}, err
	}

	lock := f.scopeLock(path)
	lock.Lock()
	defer lock.Unlock()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if isTable {
			return Content{Cells: diff.CellMap{}}, nil
		}
		return Content{}, nil
	}
	if err != nil {
		return Content{}, fmt.Errorf("read scope %q: %w", scope, err)
	}

	if isTable {
		cells, err := parseCSV(data)
		if err != nil {
			return Content{}, fmt.Errorf("parse table scope %q: %w", scope, err)
		}
		return Content{Cells: cells}, nil
	}
	return Content{Text: string(data)}, nil
}

// Write replaces the content of scope atomically.
func (f *File) Write(ctx context.Context, scope string, content Content) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, isTable, err := f.resolve(scope)
	if err != nil {
		return err
	}
	if isTable != content.IsTable() {
		return fmt.Errorf("%w: scope %q", ErrKindMismatch, scope)
	}

	lock := f.scopeLock(path)
	lock.Lock()
	defer lock.Unlock()

	var data []byte
	if isTable {
		data, err = renderCSV(content.Cells)
		if err != nil {
			return fmt.Errorf("render table scope %q: %w", scope, err)
		}
	} else {
		data = []byte(content.Text)
	}
	return f.writeAtomic(path, data)
}

// WriteCells applies cell patches to a tabular scope in order.
func (f *File) WriteCells(ctx context.Context, scope string, patches []CellPatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, isTable, err := f.resolve(scope)
	if err != nil {
		return err
	}
	if !isTable {
		return fmt.Errorf("%w: scope %q is not tabular", ErrKindMismatch, scope)
	}

	lock := f.scopeLock(path)
	lock.Lock()
	defer lock.Unlock()

	var cells diff.CellMap
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		cells = diff.CellMap{}
	case err != nil:
		return fmt.Errorf("read scope %q: %w", scope, err)
	default:
		cells, err = parseCSV(data)
		if err != nil {
			return fmt.Errorf("parse table scope %q: %w", scope, err)
		}
	}

	for _, p := range patches {
		ref := diff.CellRef{Row: p.Row, Col: p.Col}
		if p.Value == "" {
			delete(cells, ref)
			continue
		}
		cells[ref] = p.Value
	}

	out, err := renderCSV(cells)
	if err != nil {
		return fmt.Errorf("render table scope %q: %w", scope, err)
	}
	return f.writeAtomic(path, out)
}

// Backup copies every document under the root into a timestamped
// directory and returns its path.
func (f *File) Backup(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	stamp := time.Now().UTC().Format("20060102-150405.000000000")
	dest := filepath.Join(f.root, backupDirName, "backup-"+stamp)
	if err := os.MkdirAll(dest, f.options.DirMode); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	err := filepath.Walk(f.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if info.Name() == backupDirName {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if err := os.MkdirAll(filepath.Dir(target), f.options.DirMode); err != nil {
			return err
		}
		return copyFile(path, target, f.options.FileMode)
	})
	if err != nil {
		return "", fmt.Errorf("backup document root: %w", err)
	}
	return dest, nil
}

// =============================================================================
// Internals
// =============================================================================

// resolve maps a scope to an absolute path under the root and reports
// whether it is tabular.
func (f *File) resolve(scope string) (string, bool, error) {
	isTable := strings.HasPrefix(scope, TableScopePrefix)
	rel := strings.TrimPrefix(scope, TableScopePrefix)
	if rel == "" {
		return "", false, fmt.Errorf("%w: empty scope", ErrUnsafeScope)
	}

	full := filepath.Join(f.root, filepath.FromSlash(rel))
	if !f.isPathSafe(full) {
		return "", false, fmt.Errorf("%w: %q", ErrUnsafeScope, scope)
	}
	return full, isTable, nil
}

// isPathSafe checks that a resolved path stays inside the root.
func (f *File) isPathSafe(fullPath string) bool {
	rel, err := filepath.Rel(filepath.Clean(f.root), filepath.Clean(fullPath))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// scopeLock returns the per-path mutex, creating it on first use.
func (f *File) scopeLock(path string) *sync.Mutex {
	f.locksMu.Lock()
	defer f.locksMu.Unlock()
	lock, ok := f.locks[path]
	if !ok {
		lock = &sync.Mutex{}
		f.locks[path] = lock
	}
	return lock
}

// writeAtomic writes data via a temp file in the target directory
// followed by a rename, so readers never observe partial content.
func (f *File) writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if f.options.CreateDirs {
		if err := os.MkdirAll(dir, f.options.DirMode); err != nil {
			return fmt.Errorf("create parent dirs: %w", err)
		}
	}

	tmp, err := os.CreateTemp(dir, ".redline-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(f.options.FileMode); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// copyFile copies src to dst with the given mode.
func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// =============================================================================
// CSV Cell Codec
// =============================================================================

// parseCSV reads CSV bytes into a sparse cell map. Blank cells are
// omitted, matching the CellMap convention.
func parseCSV(data []byte) (diff.CellMap, error) {
	reader := csv.NewReader(strings.NewReader(string(data)))
	reader.FieldsPerRecord = -1

	cells := diff.CellMap{}
	row := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		for col, value := range record {
			if value != "" {
				cells[diff.CellRef{Row: row, Col: col}] = value
			}
		}
		row++
	}
	return cells, nil
}

// renderCSV writes a sparse cell map as a dense rectangular CSV.
// Negative refs cannot address a grid cell and are rejected.
func renderCSV(cells diff.CellMap) ([]byte, error) {
	maxRow, maxCol := -1, -1
	for ref, value := range cells {
		if ref.Row < 0 || ref.Col < 0 {
			return nil, fmt.Errorf("cell (%d,%d): negative index", ref.Row, ref.Col)
		}
		if value == "" {
			continue
		}
		if ref.Row > maxRow {
			maxRow = ref.Row
		}
		if ref.Col > maxCol {
			maxCol = ref.Col
		}
	}
	if maxRow < 0 {
		return nil, nil
	}

	records := make([][]string, maxRow+1)
	for r := range records {
		records[r] = make([]string, maxCol+1)
	}
	for ref, value := range cells {
		if value != "" {
			records[ref.Row][ref.Col] = value
		}
	}

	var b strings.Builder
	writer := csv.NewWriter(&b)
	if err := writer.WriteAll(records); err != nil {
		return nil, err
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}
