// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package diff

import (
	"fmt"
	"strings"

	godiff "github.com/sourcegraph/go-diff/diff"
)

// RenderUnified serializes a before/after text pair as a unified patch.
//
// Description:
//
//	Produces a conventional "--- a/name +++ b/name" unified diff with a
//	single hunk covering the full content, aligned line by line with the
//	same LCS used for span diffs. The output is a plain-text
//	serialization intended for logs, API payloads, and terminal review.
//
// Inputs:
//
//	name - Display name for the patch headers (e.g. the scope).
//	before - The original text.
//	after - The proposed text.
//
// Outputs:
//
//	string - The unified patch. Empty when before equals after.
//	error - Non-nil only if patch printing fails.
func RenderUnified(name, before, after string) (string, error) {
	if before == after {
		return "", nil
	}

	bLines := splitLines(before)
	aLines := splitLines(after)

	var ops []spanOp
	if len(bLines)*len(aLines) > maxAlignCells {
		ops = appendCoarse(nil, bLines, aLines)
	} else {
		ops = appendAligned(nil, bLines, aLines)
	}

	var body strings.Builder
	var origLines, newLines int32
	for _, o := range ops {
		switch o.op {
		case OpEqual:
			body.WriteString(" " + o.text + "\n")
			origLines++
			newLines++
		case OpDelete:
			body.WriteString("-" + o.text + "\n")
			origLines++
		case OpInsert:
			body.WriteString("+" + o.text + "\n")
			newLines++
		}
	}

	var origStart, newStart int32
	if origLines > 0 {
		origStart = 1
	}
	if newLines > 0 {
		newStart = 1
	}

	fd := &godiff.FileDiff{
		OrigName: "a/" + name,
		NewName:  "b/" + name,
		Hunks: []*godiff.Hunk{{
			OrigStartLine: origStart,
			OrigLines:     origLines,
			NewStartLine:  newStart,
			NewLines:      newLines,
			Body:          []byte(body.String()),
		}},
	}

	out, err := godiff.PrintFileDiff(fd)
	if err != nil {
		return "", fmt.Errorf("print unified diff: %w", err)
	}
	return string(out), nil
}

// RenderCells serializes changed cells as one line per cell for logs and
// terminal review.
func RenderCells(changes []CellChange) string {
	var b strings.Builder
	for _, c := range changes {
		fmt.Fprintf(&b, "cell (%d,%d): %q -> %q\n", c.Row, c.Col, c.Old, c.New)
	}
	return b.String()
}

// splitLines splits s into lines without trailing newlines. A trailing
// newline does not produce a phantom empty final line.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	s = strings.TrimSuffix(s, "\n")
	return strings.Split(s, "\n")
}
