package tree

import (
	"github.com/frames/usvfs/data"
	"github.com/frames/usvfs/shm"
)

// InverseTree answers "which virtual paths does this real path back". It
// is maintained write-through from virtual tree mutations and consulted by
// handle-based entry points that only know a real path.
//
// Layout: a named index list of entry offsets; each entry is a real path
// string followed by the list of virtual path strings mapped to it:
//
//	0  realOff u32
//	4  virts   list header
const (
	invOffReal  = 0
	invOffVirts = 4

	invEntrySize = 12
)

// InverseTree indexes real paths inside its own segment.
type InverseTree struct {
	seg   *shm.Segment
	index uint32
}

// NewInverse opens the inverse index inside seg, constructing it on first
// use.
func NewInverse(seg *shm.Segment) (*InverseTree, error) {
	index, _, err := seg.FindOrCreate("index", shm.ListHeaderSize)
	if err != nil {
		return nil, err
	}
	return &InverseTree{seg: seg, index: index}, nil
}

// Segment returns the segment hosting this index.
func (it *InverseTree) Segment() *shm.Segment {
	return it.seg
}

// AddMapping records that realPath backs virtualPath. Duplicate mappings
// collapse.
func (it *InverseTree) AddMapping(realPath, virtualPath string) error {
	entry := it.findEntry(realPath)

	if entry == 0 {
		var err error
		if entry, err = it.seg.Alloc(invEntrySize); err != nil {
			return err
		}

		realOff, err := it.seg.PutString(realPath)
		if err != nil {
			it.seg.Free(entry)
			return err
		}
		it.seg.PutU32(entry+invOffReal, realOff)

		if err := it.seg.ListAppend(it.index, entry); err != nil {
			it.seg.FreeString(realOff)
			it.seg.Free(entry)
			return err
		}
	}

	virts := entry + invOffVirts
	count := it.seg.ListLen(virts)
	for i := 0; i < count; i++ {
		if data.EqualFold(it.seg.String(it.seg.ListGet(virts, i)), virtualPath) {
			return nil
		}
	}

	virtOff, err := it.seg.PutString(virtualPath)
	if err != nil {
		return err
	}
	return it.seg.ListAppend(virts, virtOff)
}

// RemoveMapping forgets that realPath backs virtualPath. Removing the
// last virtual path drops the whole entry.
func (it *InverseTree) RemoveMapping(realPath, virtualPath string) {
	entry := it.findEntry(realPath)
	if entry == 0 {
		return
	}

	virts := entry + invOffVirts
	count := it.seg.ListLen(virts)
	for i := 0; i < count; i++ {
		virtOff := it.seg.ListGet(virts, i)
		if data.EqualFold(it.seg.String(virtOff), virtualPath) {
			it.seg.FreeString(virtOff)
			it.seg.ListRemoveAt(virts, i)
			break
		}
	}

	if it.seg.ListLen(virts) == 0 {
		if i := it.seg.ListIndex(it.index, entry); i >= 0 {
			it.seg.ListRemoveAt(it.index, i)
		}
		it.seg.FreeString(it.seg.U32(entry + invOffReal))
		it.seg.ListClear(virts, nil)
		it.seg.Free(entry)
	}
}

// LookupByReal returns every virtual path backed by realPath.
func (it *InverseTree) LookupByReal(realPath string) []string {
	entry := it.findEntry(realPath)
	if entry == 0 {
		return nil
	}

	virts := entry + invOffVirts
	count := it.seg.ListLen(virts)
	paths := make([]string, count)
	for i := 0; i < count; i++ {
		paths[i] = it.seg.String(it.seg.ListGet(virts, i))
	}
	return paths
}

// CopyTo reproduces this index inside dst, which must be empty.
func (it *InverseTree) CopyTo(dst *InverseTree) error {
	count := it.seg.ListLen(it.index)
	for i := 0; i < count; i++ {
		entry := it.seg.ListGet(it.index, i)
		realPath := it.seg.String(it.seg.U32(entry + invOffReal))

		virts := entry + invOffVirts
		virtCount := it.seg.ListLen(virts)
		for j := 0; j < virtCount; j++ {
			virtualPath := it.seg.String(it.seg.ListGet(virts, j))
			if err := dst.AddMapping(realPath, virtualPath); err != nil {
				return err
			}
		}
	}
	return nil
}

func (it *InverseTree) findEntry(realPath string) uint32 {
	count := it.seg.ListLen(it.index)
	for i := 0; i < count; i++ {
		entry := it.seg.ListGet(it.index, i)
		if data.EqualFold(it.seg.String(it.seg.U32(entry+invOffReal)), realPath) {
			return entry
		}
	}
	return 0
}
