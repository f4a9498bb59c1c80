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
	"strings"
	"unicode"
	"unicode/utf8"
)

// maxAlignCells caps the size of the LCS table (len(before tokens) *
// len(after tokens)) built after common prefix/suffix trimming. Inputs
// whose trimmed middles exceed the cap fall back to a coarse
// delete-all/insert-all script instead of an exact alignment. Typical
// AI edits touch a small region and trim far below the cap.
const maxAlignCells = 1 << 22

// Text computes the edit script between two text versions.
//
// Description:
//
//	Both versions are split into alternating word and whitespace tokens
//	and aligned with a longest common subsequence. The result collapses
//	adjacent tokens with the same tag into maximal spans, each carrying
//	the literal substring it covers. Within a replaced region, deleted
//	text precedes inserted text.
//
//	The computation is deterministic: a given (before, after) pair always
//	yields the same span sequence. Alignment ties are resolved in favor of
//	the longest common leading prefix.
//
// Inputs:
//
//	before - The original text.
//	after - The proposed text.
//
// Outputs:
//
//	[]Span - The ordered edit script. Empty only when both inputs are "".
func Text(before, after string) []Span {
	if before == after {
		if before == "" {
			return nil
		}
		return []Span{{Op: OpEqual, Text: before}}
	}

	b := tokenize(before)
	a := tokenize(after)

	// Maximal common prefix and suffix are always part of the optimal
	// alignment and anchor the tie-break policy.
	prefix := commonPrefix(b, a)
	bMid, aMid := b[prefix:], a[prefix:]
	suffix := commonSuffix(bMid, aMid)

	return assemble(
		bMid[:len(bMid)-suffix],
		aMid[:len(aMid)-suffix],
		strings.Join(b[:prefix], ""),
		strings.Join(b[len(b)-suffix:], ""),
	)
}

// spanOp is an intermediate tagged token run.
type spanOp struct {
	op   Op
	text string
}

// assemble aligns the trimmed middles and stitches the prefix and suffix
// back on, merging adjacent runs with the same tag.
func assemble(b, a []string, prefix, suffix string) []Span {
	var ops []spanOp
	if prefix != "" {
		ops = append(ops, spanOp{op: OpEqual, text: prefix})
	}

	if len(b)*len(a) > maxAlignCells {
		ops = appendCoarse(ops, b, a)
	} else {
		ops = appendAligned(ops, b, a)
	}

	if suffix != "" {
		ops = append(ops, spanOp{op: OpEqual, text: suffix})
	}
	return mergeOps(ops)
}

// appendCoarse emits the trimmed middles as one deletion and one insertion.
func appendCoarse(ops []spanOp, b, a []string) []spanOp {
	if len(b) > 0 {
		ops = append(ops, spanOp{op: OpDelete, text: strings.Join(b, "")})
	}
	if len(a) > 0 {
		ops = append(ops, spanOp{op: OpInsert, text: strings.Join(a, "")})
	}
	return ops
}

// appendAligned emits the exact LCS alignment of the trimmed middles.
func appendAligned(ops []spanOp, b, a []string) []spanOp {
	m, n := len(b), len(a)
	if m == 0 || n == 0 {
		return appendCoarse(ops, b, a)
	}

	// dp[i][j] is the LCS length of b[:i] and a[:j].
	dp := make([][]int32, m+1)
	for i := range dp {
		dp[i] = make([]int32, n+1)
	}
	for i := 1; i <= m; i++ {
		for j := 1; j <= n; j++ {
			if b[i-1] == a[j-1] {
				dp[i][j] = dp[i-1][j-1] + 1
			} else if dp[i-1][j] >= dp[i][j-1] {
				dp[i][j] = dp[i-1][j]
			} else {
				dp[i][j] = dp[i][j-1]
			}
		}
	}

	// Backtrack from the end. Preferring the insert move on ties here
	// yields delete-before-insert order once the walk is reversed.
	rev := make([]spanOp, 0, m+n)
	i, j := m, n
	for i > 0 && j > 0 {
		switch {
		case b[i-1] == a[j-1]:
			rev = append(rev, spanOp{op: OpEqual, text: b[i-1]})
			i--
			j--
		case dp[i-1][j] > dp[i][j-1]:
			rev = append(rev, spanOp{op: OpDelete, text: b[i-1]})
			i--
		default:
			rev = append(rev, spanOp{op: OpInsert, text: a[j-1]})
			j--
		}
	}
	for i > 0 {
		rev = append(rev, spanOp{op: OpDelete, text: b[i-1]})
		i--
	}
	for j > 0 {
		rev = append(rev, spanOp{op: OpInsert, text: a[j-1]})
		j--
	}

	for k := len(rev) - 1; k >= 0; k-- {
		ops = append(ops, rev[k])
	}
	return ops
}

// mergeOps collapses adjacent runs with the same tag into spans and drops
// empty runs.
func mergeOps(ops []spanOp) []Span {
	var spans []Span
	for _, o := range ops {
		if o.text == "" {
			continue
		}
		if n := len(spans); n > 0 && spans[n-1].Op == o.op {
			spans[n-1].Text += o.text
			continue
		}
		spans = append(spans, Span{Op: o.op, Text: o.text})
	}
	return spans
}

// tokenize splits s into maximal runs of whitespace and non-whitespace.
// Concatenating the tokens reproduces s exactly.
func tokenize(s string) []string {
	if s == "" {
		return nil
	}
	var tokens []string
	start := 0
	first, _ := utf8.DecodeRuneInString(s)
	inSpace := unicode.IsSpace(first)
	for i, r := range s {
		if unicode.IsSpace(r) != inSpace {
			tokens = append(tokens, s[start:i])
			start = i
			inSpace = !inSpace
		}
	}
	return append(tokens, s[start:])
}

// commonPrefix returns the number of leading tokens shared by b and a.
func commonPrefix(b, a []string) int {
	n := 0
	for n < len(b) && n < len(a) && b[n] == a[n] {
		n++
	}
	return n
}

// commonSuffix returns the number of trailing tokens shared by b and a.
func commonSuffix(b, a []string) int {
	n := 0
	for n < len(b) && n < len(a) && b[len(b)-1-n] == a[len(a)-1-n] {
		n++
	}
	return n
}

