package rvf

import (
	"bytes"
	"io"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	h := Header{
		Version:    FormatVersion,
		Dimensions: 384,
		Metric:     MetricL2,
		Params:     graphParams{M: 16, EfConstruction: 200, EfSearch: 100},
	}
	if err := WriteHeader(&buf, h); err != nil {
		t.Fatalf("WriteHeader failed: %v", err)
	}

	got, err := ReadHeader(&buf)
	if err != nil {
		t.Fatalf("ReadHeader failed: %v", err)
	}
	if got != h {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestReadHeaderRejectsBadMagic(t *testing.T) {
	buf := bytes.NewBufferString("NOTANRVFFILE0000000000")
	if _, err := ReadHeader(buf); err == nil {
		t.Error("expected error for bad magic")
	}
}

func TestSegmentRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSegment(&buf, SegmentVectorRow, []byte("hello")); err != nil {
		t.Fatalf("WriteSegment failed: %v", err)
	}
	if err := WriteSegment(&buf, SegmentWitnessBlock, []byte("world")); err != nil {
		t.Fatalf("WriteSegment failed: %v", err)
	}

	tag, payload, err := ReadSegment(&buf)
	if err != nil {
		t.Fatalf("ReadSegment failed: %v", err)
	}
	if tag != SegmentVectorRow || string(payload) != "hello" {
		t.Errorf("unexpected first segment: tag=%v payload=%s", tag, payload)
	}

	tag, payload, err = ReadSegment(&buf)
	if err != nil {
		t.Fatalf("ReadSegment failed: %v", err)
	}
	if tag != SegmentWitnessBlock || string(payload) != "world" {
		t.Errorf("unexpected second segment: tag=%v payload=%s", tag, payload)
	}

	if _, _, err := ReadSegment(&buf); err != io.EOF {
		t.Errorf("expected io.EOF at end of stream, got %v", err)
	}
}
