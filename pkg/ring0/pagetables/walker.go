// Copyright 2019 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pagetables

// visitor is the set of callbacks a Walker drives.
type visitor interface {
	// visit is called for each leaf entry in the range. align is the
	// entry size minus one. Returning false stops the walk.
	visit(start uintptr, pte *PTE, align uintptr) bool

	// requiresAlloc indicates that missing tables must be allocated.
	requiresAlloc() bool

	// requiresSplit indicates that super pages only partially covered by
	// the range must be broken into small pages first.
	requiresSplit() bool
}

// Walker walks page tables.
type Walker struct {
	// pageTables are the tables to walk.
	pageTables *PageTables

	// Visitor is the set of arguments.
	visitor visitor
}

// addrEnd returns the next boundary of size after addr, or end if that comes
// earlier. size is a power of two.
func addrEnd(addr, end, size uintptr) uintptr {
	next := (addr + size) &^ (size - 1)
	if next < addr || next > end {
		return end
	}
	return next
}

// next returns the next address quantized by the given size.
func next(start uintptr, size uintptr) uintptr {
	start &= ^(size - 1)
	start += size
	return start
}

// walkPTEs iterates over the PTEs in the given range and calls the visitor
// for each one.
//
// Returns:
//   - ok: whether the walk was successful.
//   - clearEntries: number of clear entries.
func (w *Walker) walkPTEs(entries *PTEs, start, end uintptr) (bool, uint16) {
	var clearEntries uint16
	for start < end {
		pteIndex := uint16((start & pteMask) >> pteShift)
		entry := &entries[pteIndex]
		if !entry.Valid() && !w.visitor.requiresAlloc() {
			clearEntries++
			start += pteSize
			continue
		}

		// At this point, we are guaranteed that start%pteSize == 0.
		if !w.visitor.visit(start&^(pteSize-1), entry, pteSize-1) {
			return false, clearEntries
		}
		if !entry.Valid() && !w.visitor.requiresAlloc() {
			clearEntries++
		}
		start += pteSize
	}

	// Entries outside the walked range count too: a table is only freed
	// once every slot is empty.
	if clearEntries != 0 && clearEntries != entriesPerPage {
		clearEntries = countClear(entries)
	}
	return true, clearEntries
}

// countClear returns the number of empty slots in entries.
func countClear(entries *PTEs) uint16 {
	var n uint16
	for i := range entries {
		if !entries[i].Valid() {
			n++
		}
	}
	return n
}

// walkPMDs iterates over the PMD entries in the given range. This is the only
// level at which super pages are installed.
func (w *Walker) walkPMDs(pmdEntries *PTEs, start, end uintptr) (bool, uint16) {
	for start < end {
		var pteEntries *PTEs
		nextBoundary := addrEnd(start, end, pmdSize)
		pmdIndex := uint16((start & pmdMask) >> pmdShift)
		pmdEntry := &pmdEntries[pmdIndex]

		if pmdEntry.Valid() && pmdEntry.IsSuper() {
			// Does this page need to be split?
			if w.visitor.requiresSplit() && (start&(pmdSize-1) != 0 || end < next(start, pmdSize)) {
				// Install the relevant entries.
				pteEntries = w.pageTables.Allocator.NewPTEs()
				opts := pmdEntry.Opts()
				opts.Huge = false
				for index := uint16(0); index < entriesPerPage; index++ {
					pteEntries[index].Set(
						pmdEntry.Address()+(pteSize*uintptr(index)),
						opts)
				}
				pmdEntry.setPageTable(w.pageTables, pteEntries)
			} else {
				// A huge page to be checked directly.
				if !w.visitor.visit(start&^(pmdSize-1), pmdEntry, pmdSize-1) {
					return false, 0
				}
				if pmdEntry.Valid() || !w.visitor.requiresAlloc() {
					start = nextBoundary
					continue
				}

				// Cleared by the visitor, which wants small pages here.
			}
		}

		if !pmdEntry.Valid() {
			if !w.visitor.requiresAlloc() {
				// Skip over this entry.
				start = nextBoundary
				continue
			}

			// Is this region covered by a single PMD entry? If so, we
			// can skip allocating a new page.
			if start&(pmdSize-1) == 0 && end-start >= pmdSize {
				pmdEntry.SetSuper()
				if !w.visitor.visit(start&^(pmdSize-1), pmdEntry, pmdSize-1) {
					return false, 0
				}
				if pmdEntry.Valid() {
					start = nextBoundary
					continue
				}
			}

			// Allocate a new pte page.
			pteEntries = w.pageTables.Allocator.NewPTEs()
			pmdEntry.setPageTable(w.pageTables, pteEntries)
		} else if pteEntries == nil {
			pteEntries = w.pageTables.Allocator.LookupPTEs(pmdEntry.Address())
		}

		// Map the next level, since this is valid.
		ok, clearPTEntries := w.walkPTEs(pteEntries, start, nextBoundary)
		if !ok {
			return false, 0
		}

		// Check if we no longer need this page.
		if clearPTEntries == entriesPerPage {
			pmdEntry.Clear()
			w.pageTables.Allocator.FreePTEs(pteEntries)
		}
		start = nextBoundary
	}
	return true, countClear(pmdEntries)
}

// walkTables walks an intermediate level whose entries are always tables.
func (w *Walker) walkTables(entries *PTEs, start, end uintptr, shift uint, size, mask uintptr, below func(*PTEs, uintptr, uintptr) (bool, uint16)) (bool, uint16) {
	for start < end {
		var nextEntries *PTEs
		nextBoundary := addrEnd(start, end, size)
		entry := &entries[uint16((start&mask)>>shift)]
		if !entry.Valid() {
			if !w.visitor.requiresAlloc() {
				// Skip over this entry.
				start = nextBoundary
				continue
			}
			nextEntries = w.pageTables.Allocator.NewPTEs()
			entry.setPageTable(w.pageTables, nextEntries)
		} else {
			nextEntries = w.pageTables.Allocator.LookupPTEs(entry.Address())
		}

		ok, clearBelow := below(nextEntries, start, nextBoundary)
		if !ok {
			return false, 0
		}

		// Check if we no longer need this page table.
		if clearBelow == entriesPerPage {
			entry.Clear()
			w.pageTables.Allocator.FreePTEs(nextEntries)
		}
		start = nextBoundary
	}
	return true, countClear(entries)
}

// walkPUDs iterates over the PUD entries in the given range.
func (w *Walker) walkPUDs(pudEntries *PTEs, start, end uintptr) (bool, uint16) {
	return w.walkTables(pudEntries, start, end, pudShift, pudSize, pudMask, w.walkPMDs)
}

// iterateRange iterates over all levels of the tables for [start, end).
// The range must not extend past lowerTop.
func (w *Walker) iterateRange(start, end uintptr) bool {
	ok, _ := w.walkTables(w.pageTables.root, start, end, pgdShift, pgdSize, pgdMask, w.walkPUDs)
	return ok
}
