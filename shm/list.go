package shm

// In-segment strings and value lists. A string is a length-prefixed byte
// run in its own allocation. A list is an 8-byte header embedded in some
// record {count u16, cap u16, elems u32} whose element array holds raw
// 32-bit values: string offsets, record offsets, or plain integers,
// depending on the owning record's layout.

const (
	ListHeaderSize = 8

	listOffCount = 0
	listOffCap   = 2
	listOffElems = 4

	minListCap = 4
)

// PutString copies s into the segment and returns its offset.
func (s *Segment) PutString(str string) (uint32, error) {
	if len(str) > 0xFFFF {
		str = str[:0xFFFF]
	}

	off, err := s.Alloc(2 + len(str))
	if err != nil {
		return 0, err
	}

	s.putU16(int(off), uint16(len(str)))
	copy(s.mem[off+2:], str)
	return off, nil
}

// String reads the string at off. Offset 0 yields the empty string.
func (s *Segment) String(off uint32) string {
	if off == 0 {
		return ""
	}
	n := int(s.u16(int(off)))
	return string(s.mem[int(off)+2 : int(off)+2+n])
}

// SetString replaces the string stored behind the field at fieldOff,
// freeing the previous value.
func (s *Segment) SetString(fieldOff uint32, str string) error {
	off, err := s.PutString(str)
	if err != nil {
		return err
	}
	s.FreeString(s.U32(fieldOff))
	s.PutU32(fieldOff, off)
	return nil
}

// FreeString releases a string allocation. 0 is a no-op.
func (s *Segment) FreeString(off uint32) {
	s.Free(off)
}

// ListLen returns the number of elements in the list at hdr.
func (s *Segment) ListLen(hdr uint32) int {
	return int(s.u16(int(hdr) + listOffCount))
}

// ListGet returns element i of the list at hdr.
func (s *Segment) ListGet(hdr uint32, i int) uint32 {
	elems := s.u32(int(hdr) + listOffElems)
	return s.u32(int(elems) + i*4)
}

// ListSet overwrites element i of the list at hdr.
func (s *Segment) ListSet(hdr uint32, i int, v uint32) {
	elems := s.u32(int(hdr) + listOffElems)
	s.putU32(int(elems)+i*4, v)
}

// ListAppend adds v to the list at hdr, growing the element array as
// needed.
func (s *Segment) ListAppend(hdr uint32, v uint32) error {
	count := int(s.u16(int(hdr) + listOffCount))
	capacity := int(s.u16(int(hdr) + listOffCap))

	if count == capacity {
		newCap := capacity * 2
		if newCap < minListCap {
			newCap = minListCap
		}

		newElems, err := s.Alloc(newCap * 4)
		if err != nil {
			return err
		}

		oldElems := s.u32(int(hdr) + listOffElems)
		if oldElems != 0 {
			copy(s.mem[newElems:], s.mem[oldElems:int(oldElems)+count*4])
			s.Free(oldElems)
		}

		s.putU32(int(hdr)+listOffElems, newElems)
		s.putU16(int(hdr)+listOffCap, uint16(newCap))
	}

	elems := s.u32(int(hdr) + listOffElems)
	s.putU32(int(elems)+count*4, v)
	s.putU16(int(hdr)+listOffCount, uint16(count+1))
	return nil
}

// ListRemoveAt deletes element i, shifting later elements down.
func (s *Segment) ListRemoveAt(hdr uint32, i int) {
	count := int(s.u16(int(hdr) + listOffCount))
	elems := int(s.u32(int(hdr) + listOffElems))

	copy(s.mem[elems+i*4:], s.mem[elems+(i+1)*4:elems+count*4])
	s.putU16(int(hdr)+listOffCount, uint16(count-1))
}

// ListIndex returns the position of v in the list at hdr, -1 if absent.
func (s *Segment) ListIndex(hdr uint32, v uint32) int {
	count := s.ListLen(hdr)
	for i := 0; i < count; i++ {
		if s.ListGet(hdr, i) == v {
			return i
		}
	}
	return -1
}

// ListClear resets the list at hdr to empty. The optional release hook
// runs for every element first, letting callers free element-owned
// allocations.
func (s *Segment) ListClear(hdr uint32, release func(uint32)) {
	count := s.ListLen(hdr)
	for i := 0; i < count; i++ {
		if release != nil {
			release(s.ListGet(hdr, i))
		}
	}

	s.Free(s.u32(int(hdr) + listOffElems))
	s.putU32(int(hdr)+listOffElems, 0)
	s.putU16(int(hdr)+listOffCap, 0)
	s.putU16(int(hdr)+listOffCount, 0)
}
