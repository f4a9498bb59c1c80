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

import "sort"

// Table computes the changed-cell set between two table versions.
//
// Description:
//
//	Compares before and after as sparse maps from (row, col) to cell
//	value. A cell is emitted when the two versions disagree on its value;
//	an absent key is treated as the blank value "". Cells absent from
//	both versions are never considered, so the result is sparse by
//	construction.
//
// Inputs:
//
//	before - The original cell values.
//	after - The proposed cell values.
//
// Outputs:
//
//	[]CellChange - Changed cells in row-major order. Empty when the
//	versions are equivalent.
func Table(before, after CellMap) []CellChange {
	var changes []CellChange
	for ref, old := range before {
		if after[ref] != old {
			changes = append(changes, CellChange{
				Row: ref.Row,
				Col: ref.Col,
				Old: old,
				New: after[ref],
			})
		}
	}
	for ref, val := range after {
		if _, seen := before[ref]; !seen && val != "" {
			changes = append(changes, CellChange{
				Row: ref.Row,
				Col: ref.Col,
				Old: "",
				New: val,
			})
		}
	}
	sort.Slice(changes, func(i, j int) bool {
		return changes[i].Ref().Less(changes[j].Ref())
	})
	return changes
}

// ApplyCells writes every change's New value into a copy of base and
// returns it. Blank values clear the cell (the key is removed), keeping
// the blank-equals-absent convention of CellMap.
func ApplyCells(base CellMap, changes []CellChange) CellMap {
	out := base.Clone()
	if out == nil {
		out = make(CellMap, len(changes))
	}
	for _, c := range changes {
		if c.New == "" {
			delete(out, c.Ref())
			continue
		}
		out[c.Ref()] = c.New
	}
	return out
}
