// Package util has the small numeric and byte-level helpers shared by
// the storage and VM layers.
package util

// Int is satisfied by all built-in integer types.
type Int interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// Min returns the smaller of a and b.
func Min[T Int](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Rounddown aligns v down to the nearest multiple of b.
func Rounddown[T Int](v, b T) T {
	return v - (v % b)
}

// Roundup aligns v up to the nearest multiple of b.
func Roundup[T Int](v, b T) T {
	return Rounddown(v+b-1, b)
}

// Readn reads an n-byte little-endian field from a starting at off.
// Every multi-byte field in the on-disk structures (inode lengths,
// block pointers, directory-entry sectors) is encoded this way.
// It panics if the requested region is out of bounds.
func Readn(a []uint8, n int, off int) int {
	if off < 0 || n > 8 || off+n > len(a) {
		panic("Readn out of bounds")
	}
	ret := 0
	for i := 0; i < n; i++ {
		ret |= int(a[off+i]) << (8 * uint(i))
	}
	return ret
}

// Writen writes the low sz bytes of val little-endian into a starting
// at off. It panics if the destination is out of bounds.
func Writen(a []uint8, sz int, off int, val int) {
	if off < 0 || sz > 8 || off+sz > len(a) {
		panic("Writen out of bounds")
	}
	for i := 0; i < sz; i++ {
		a[off+i] = uint8(val >> (8 * uint(i)))
	}
}
