package rvf

import (
	"encoding/binary"
	"io"

	"github.com/refine-digital/agentdb/internal/errs"
)

// fileMagic identifies an agentdb RVF container.
var fileMagic = [4]byte{'R', 'V', 'F', '1'}

// FormatVersion is the current on-disk container version.
const FormatVersion uint32 = 1

// SegmentTag identifies the kind of a length-prefixed segment.
type SegmentTag uint8

const (
	SegmentVectorRow        SegmentTag = 1
	SegmentGraphLayer       SegmentTag = 2
	SegmentWitnessBlock     SegmentTag = 3
	SegmentTombstoneBitmap  SegmentTag = 4
	SegmentCompactionMarker SegmentTag = 5
	// SegmentKernelBlob and SegmentEbpfBlob are reserved for future
	// accelerated-kernel payloads. No current component writes them; they
	// exist so the container format does not need a version bump to adopt
	// one later.
	SegmentKernelBlob SegmentTag = 6
	SegmentEbpfBlob   SegmentTag = 7
)

// Header is the fixed-size prologue of an RVF file.
type Header struct {
	Version    uint32
	Dimensions uint32
	Metric     Metric
	Params     graphParams
}

// WriteHeader writes the magic, version, and fixed header fields.
func WriteHeader(w io.Writer, h Header) error {
	if _, err := w.Write(fileMagic[:]); err != nil {
		return errs.Storage("rvf.WriteHeader", err)
	}
	if err := binary.Write(w, binary.BigEndian, h.Version); err != nil {
		return errs.Storage("rvf.WriteHeader", err)
	}
	if err := binary.Write(w, binary.BigEndian, h.Dimensions); err != nil {
		return errs.Storage("rvf.WriteHeader", err)
	}
	metricByte := byte(0)
	switch h.Metric {
	case MetricL2:
		metricByte = 1
	case MetricIP:
		metricByte = 2
	}
	if _, err := w.Write([]byte{metricByte}); err != nil {
		return errs.Storage("rvf.WriteHeader", err)
	}
	for _, v := range []int32{int32(h.Params.M), int32(h.Params.EfConstruction), int32(h.Params.EfSearch)} {
		if err := binary.Write(w, binary.BigEndian, v); err != nil {
			return errs.Storage("rvf.WriteHeader", err)
		}
	}
	return nil
}

// ReadHeader reads and validates the header, returning errs.IntegrityError
// on a magic or version mismatch.
func ReadHeader(r io.Reader) (Header, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return Header{}, errs.Storage("rvf.ReadHeader", err)
	}
	if magic != fileMagic {
		return Header{}, errs.Integrity("rvf.ReadHeader", "bad magic: not an RVF container")
	}

	var h Header
	if err := binary.Read(r, binary.BigEndian, &h.Version); err != nil {
		return Header{}, errs.Storage("rvf.ReadHeader", err)
	}
	if h.Version != FormatVersion {
		return Header{}, errs.Integrity("rvf.ReadHeader", "unsupported format version %d", h.Version)
	}
	if err := binary.Read(r, binary.BigEndian, &h.Dimensions); err != nil {
		return Header{}, errs.Storage("rvf.ReadHeader", err)
	}

	var metricByte [1]byte
	if _, err := io.ReadFull(r, metricByte[:]); err != nil {
		return Header{}, errs.Storage("rvf.ReadHeader", err)
	}
	switch metricByte[0] {
	case 1:
		h.Metric = MetricL2
	case 2:
		h.Metric = MetricIP
	default:
		h.Metric = MetricCosine
	}

	var m, efc, efs int32
	for _, dst := range []*int32{&m, &efc, &efs} {
		if err := binary.Read(r, binary.BigEndian, dst); err != nil {
			return Header{}, errs.Storage("rvf.ReadHeader", err)
		}
	}
	h.Params = graphParams{M: int(m), EfConstruction: int(efc), EfSearch: int(efs)}

	return h, nil
}

// WriteSegment writes a length-prefixed, tagged segment.
func WriteSegment(w io.Writer, tag SegmentTag, payload []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint8(tag)); err != nil {
		return errs.Storage("rvf.WriteSegment", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint64(len(payload))); err != nil {
		return errs.Storage("rvf.WriteSegment", err)
	}
	if _, err := w.Write(payload); err != nil {
		return errs.Storage("rvf.WriteSegment", err)
	}
	return nil
}

// ReadSegment reads one length-prefixed, tagged segment. Returns io.EOF
// (unwrapped) when the stream is exhausted, so callers can loop with
// `for { seg, err := ReadSegment(r); if err == io.EOF { break } ...}`.
func ReadSegment(r io.Reader) (SegmentTag, []byte, error) {
	var tagByte [1]byte
	if _, err := io.ReadFull(r, tagByte[:]); err != nil {
		if err == io.EOF {
			return 0, nil, io.EOF
		}
		return 0, nil, errs.Storage("rvf.ReadSegment", err)
	}

	var length uint64
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return 0, nil, errs.Storage("rvf.ReadSegment", err)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, errs.Storage("rvf.ReadSegment", err)
	}

	return SegmentTag(tagByte[0]), payload, nil
}
