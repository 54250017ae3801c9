package protocol

import "encoding/binary"

// FrameReader walks the OGMs aggregated in one broadcast frame. Parsing
// continues while the next header and its TVLV payload fit in the frame.
type FrameReader struct {
	frame []byte
	off   int
	cur   OGM
	start int
	index int
	err   error
}

func NewFrameReader(frame []byte) *FrameReader {
	return &FrameReader{frame: frame, index: -1}
}

func (r *FrameReader) Next() bool {
	if r.err != nil || r.off >= len(r.frame) {
		return false
	}
	o, n, err := DecodeOGM(r.frame[r.off:])
	if err != nil {
		r.err = err
		return false
	}
	r.cur = o
	r.start = r.off
	r.off += n
	r.index++
	return true
}

func (r *FrameReader) OGM() OGM {
	return r.cur
}

// Offset is the position of the current OGM within the frame.
func (r *FrameReader) Offset() int {
	return r.start
}

// Index is the position of the current OGM in the aggregate, starting at 0.
func (r *FrameReader) Index() int {
	return r.index
}

// Err reports why parsing stopped before the end of the frame, if it did.
func (r *FrameReader) Err() error {
	return r.err
}

// ParseFrame decodes every OGM in frame. OGMs decoded before an error are still returned.
func ParseFrame(frame []byte) ([]OGM, error) {
	r := NewFrameReader(frame)
	out := make([]OGM, 0)
	for r.Next() {
		out = append(out, r.OGM())
	}
	return out, r.Err()
}

// SubPacketOffsets returns where each OGM of an aggregate starts, without validating headers.
func SubPacketOffsets(frame []byte) []int {
	offs := make([]int, 0)
	off := 0
	for off+HeaderLen <= len(frame) {
		next := off + HeaderLen + int(binary.BigEndian.Uint16(frame[off+6:off+8]))
		if next > len(frame) {
			break
		}
		offs = append(offs, off)
		off = next
	}
	return offs
}
