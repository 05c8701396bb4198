package protocol

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := OpMessage{
		OpType:          OpPut,
		ClientID:        7,
		OpID:            42,
		FlushOffsetOps:  100,
		FlushOffsetData: 99,
		ExpectedValue:   []byte("expected"),
		UpdatedValue:    []byte("updated"),
		Function:        []byte("merge"),
	}

	got, err := DecodeOpMessage(msg.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.OpType != msg.OpType || got.ClientID != msg.ClientID || got.OpID != msg.OpID {
		t.Fatalf("decoded header = %+v, want %+v", got, msg)
	}
	if got.FlushOffsetOps != msg.FlushOffsetOps || got.FlushOffsetData != msg.FlushOffsetData {
		t.Fatalf("decoded offsets = %+v, want %+v", got, msg)
	}
	if !bytes.Equal(got.ExpectedValue, msg.ExpectedValue) ||
		!bytes.Equal(got.UpdatedValue, msg.UpdatedValue) ||
		!bytes.Equal(got.Function, msg.Function) {
		t.Fatalf("decoded blobs = %+v, want %+v", got, msg)
	}
}

func TestEncodeDecodeRoundTripWithNilBlobs(t *testing.T) {
	msg := NewFlushNotification(3, 10, 20)
	got, err := DecodeOpMessage(msg.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.OpType != OpFlushNotification || got.ClientID != 3 {
		t.Fatalf("got = %+v", got)
	}
	if got.ExpectedValue != nil || got.UpdatedValue != nil || got.Function != nil {
		t.Fatalf("expected nil blobs, got %+v", got)
	}
}

func TestDecodeOpMessageTooShort(t *testing.T) {
	if _, err := DecodeOpMessage([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected an error decoding a truncated message")
	}
}

func TestDecodeOpMessageTruncatedBlob(t *testing.T) {
	msg := NewFlushRequest(1, 5, -1)
	encoded := msg.Encode()
	if _, err := DecodeOpMessage(encoded[:len(encoded)-1]); err == nil {
		t.Fatal("expected an error decoding a message with a truncated trailing blob")
	}
}
