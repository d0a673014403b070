package wire

import (
	"bytes"
	"testing"

	"github.com/quantarax/courier/internal/model"
)

func TestEncodeDecodeData(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 1150)
	msg := &DataMsg{
		BundleID:    model.NewBundleID(),
		ChunkID:     42,
		TotalChunks: 100,
		BlockID:     7,
		K:           4,
		R:           2,
		IsParity:    true,
		Checksum:    ChecksumPayload(payload),
		Payload:     payload,
	}

	buf, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(buf) > MTU {
		t.Fatalf("encoded datagram %d exceeds MTU %d", len(buf), MTU)
	}

	decoded, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, ok := decoded.(*DataMsg)
	if !ok {
		t.Fatalf("decoded message is %T, want *DataMsg", decoded)
	}
	if got.ChunkID != msg.ChunkID || got.TotalChunks != msg.TotalChunks ||
		got.BlockID != msg.BlockID || got.K != msg.K || got.R != msg.R ||
		got.IsParity != msg.IsParity || !bytes.Equal(got.Payload, msg.Payload) {
		t.Fatalf("roundtrip mismatch: got %+v, want %+v", got, msg)
	}
}

func TestDecodeDataBadChecksum(t *testing.T) {
	payload := []byte("hello world")
	msg := &DataMsg{
		BundleID: model.NewBundleID(),
		ChunkID:  1,
		Checksum: ChecksumPayload(payload) ^ 0xFFFFFFFF,
		Payload:  payload,
	}
	buf, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Decode(buf); err != ErrBadChecksum {
		t.Fatalf("Decode error = %v, want ErrBadChecksum", err)
	}
}

func TestEncodeDataPayloadTooLarge(t *testing.T) {
	msg := &DataMsg{
		BundleID: model.NewBundleID(),
		Payload:  make([]byte, model.MaxPayloadSize+1),
	}
	if _, err := Encode(msg); err != ErrPayloadTooLarge {
		t.Fatalf("Encode error = %v, want ErrPayloadTooLarge", err)
	}
}

func TestDecodeShortMessage(t *testing.T) {
	if _, err := Decode([]byte{byte(KindData)}); err != ErrMalformed {
		t.Fatalf("Decode error = %v, want ErrMalformed", err)
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	if _, err := Decode([]byte{0xFF, Version, 0, 0}); err != ErrMalformed {
		t.Fatalf("Decode error = %v, want ErrMalformed", err)
	}
}

func TestDecodeUnsupportedVersion(t *testing.T) {
	buf := make([]byte, deliveredHeader)
	buf[0] = byte(KindDelivered)
	buf[1] = Version + 1
	if _, err := Decode(buf); err != ErrUnsupportedVersion {
		t.Fatalf("Decode error = %v, want ErrUnsupportedVersion", err)
	}
}

func TestEncodeDecodeSack(t *testing.T) {
	msg := &SackMsg{
		BundleID:      model.NewBundleID(),
		RecvWatermark: 10,
		Bitmap:        []byte{0xFF, 0x0F},
	}
	buf, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got := decoded.(*SackMsg)
	if got.RecvWatermark != 10 || !bytes.Equal(got.Bitmap, msg.Bitmap) {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
}

func TestEncodeDecodeCustodyReqAck(t *testing.T) {
	bundleID := model.NewBundleID()
	ranges := []model.Range{{Start: 0, End: 9}, {Start: 20, End: 29}}

	req := &CustodyReqMsg{BundleID: bundleID, TTLRemaining: 300, Ranges: ranges}
	buf, err := Encode(req)
	if err != nil {
		t.Fatalf("Encode CustodyReq: %v", err)
	}
	decoded, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode CustodyReq: %v", err)
	}
	gotReq := decoded.(*CustodyReqMsg)
	if gotReq.TTLRemaining != 300 || len(gotReq.Ranges) != 2 || gotReq.Ranges[1].Start != 20 {
		t.Fatalf("roundtrip mismatch: %+v", gotReq)
	}

	ack := &CustodyAckMsg{BundleID: bundleID, AckNonce: 0xdeadbeef, Ranges: ranges}
	buf, err = Encode(ack)
	if err != nil {
		t.Fatalf("Encode CustodyAck: %v", err)
	}
	decoded, err = Decode(buf)
	if err != nil {
		t.Fatalf("Decode CustodyAck: %v", err)
	}
	gotAck := decoded.(*CustodyAckMsg)
	if gotAck.AckNonce != 0xdeadbeef || len(gotAck.Ranges) != 2 {
		t.Fatalf("roundtrip mismatch: %+v", gotAck)
	}
}

func TestEncodeDecodeDelivered(t *testing.T) {
	msg := &DeliveredMsg{BundleID: model.NewBundleID()}
	buf, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Bundle() != msg.BundleID {
		t.Fatalf("bundle id mismatch")
	}
}

func TestDatagramNeverExceedsMTU(t *testing.T) {
	msg := &DataMsg{
		BundleID: model.NewBundleID(),
		Payload:  bytes.Repeat([]byte{1}, model.MaxPayloadSize),
	}
	buf, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(buf) > MTU {
		t.Fatalf("datagram size %d exceeds MTU %d", len(buf), MTU)
	}
}
