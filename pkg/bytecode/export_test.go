package bytecode

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

func TestMarshalProtoRoundTrip(t *testing.T) {
	p := testProto()
	data, err := MarshalProto(p)
	if err != nil {
		t.Fatalf("MarshalProto failed: %v", err)
	}
	got, err := UnmarshalProto(data)
	if err != nil {
		t.Fatalf("UnmarshalProto failed: %v", err)
	}
	if !reflect.DeepEqual(got, p) {
		t.Errorf("UnmarshalProto(MarshalProto(p)) mismatch\n got: %s\nwant: %s", Disassemble(got), Disassemble(p))
	}

	// Canonical encoding is deterministic.
	again, err := MarshalProto(testProto())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, again) {
		t.Error("MarshalProto is not deterministic")
	}
}

func TestImportProtoRejectsBadConstant(t *testing.T) {
	doc := ExportProto(testChild())
	doc.KGC = []ConstantDoc{{Tag: 99}}
	if _, err := ImportProto(doc); !errors.Is(err, ErrBadConstTag) {
		t.Errorf("ImportProto error = %v, want %v", err, ErrBadConstTag)
	}
}
