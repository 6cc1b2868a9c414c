package codec

import (
    "bytes"
    "errors"
    "fmt"
    "testing"

    "lab.nexedi.com/kirr/recursive-remote/internal/model"
)

// memoryBackend is a trivial content-addressed blob store good enough
// to exercise Encode/Decode without a real git repository.
type memoryBackend struct {
    blobs map[model.BackendOid][]byte
    next  byte
}

func newMemoryBackend() *memoryBackend {
    return &memoryBackend{blobs: map[model.BackendOid][]byte{}}
}

func (m *memoryBackend) write(data []byte) (model.BackendOid, error) {
    var oid model.BackendOid
    oid[0] = m.next
    m.next++
    cp := append([]byte(nil), data...)
    m.blobs[oid] = cp
    return oid, nil
}

func (m *memoryBackend) read(oid model.BackendOid) ([]byte, error) {
    data, ok := m.blobs[oid]
    if !ok {
        return nil, fmt.Errorf("no such blob %x", oid[:])
    }
    return data, nil
}

func TestEncodeDecodePlainRoundtripMultipleChunks(t *testing.T) {
    mb := newMemoryBackend()
    payload := bytes.Repeat([]byte{0xAB}, 4096)

    ref, n, err := Encode(bytes.NewReader(payload), nil, 128, mb.write)
    if err != nil {
        t.Fatalf("encode: %v", err)
    }
    if int(n) != len(payload) {
        t.Fatalf("encode wrote %d bytes, want %d", n, len(payload))
    }
    if len(ref.ResourceKey.Backend) <= 1 {
        t.Fatalf("expected multiple chunks, got %d", len(ref.ResourceKey.Backend))
    }

    var out bytes.Buffer
    read, err := Decode(ref, nil, mb.read, &out)
    if err != nil {
        t.Fatalf("decode: %v", err)
    }
    if int(read) != len(payload) {
        t.Fatalf("decode read %d bytes, want %d", read, len(payload))
    }
    if !bytes.Equal(out.Bytes(), payload) {
        t.Fatalf("roundtrip mismatch")
    }
}

func TestEncodeDecodeEncryptedRoundtrip(t *testing.T) {
    mb := newMemoryBackend()
    var key [32]byte
    for i := range key {
        key[i] = byte(i)
    }
    payload := bytes.Repeat([]byte("hello recursive remote "), 10000)

    ref, _, err := Encode(bytes.NewReader(payload), &key, 4096, mb.write)
    if err != nil {
        t.Fatalf("encode: %v", err)
    }

    var out bytes.Buffer
    if _, err := Decode(ref, &key, mb.read, &out); err != nil {
        t.Fatalf("decode: %v", err)
    }
    if !bytes.Equal(out.Bytes(), payload) {
        t.Fatalf("encrypted roundtrip mismatch")
    }

    // wrong key must fail authentication, not silently return garbage.
    var wrongKey [32]byte
    wrongKey[0] = 0xFF
    var out2 bytes.Buffer
    if _, err := Decode(ref, &wrongKey, mb.read, &out2); err == nil {
        t.Fatalf("expected decode with wrong key to fail")
    }
}

func TestDecodeRejectsInnerHashMismatch(t *testing.T) {
    mb := newMemoryBackend()
    ref, _, err := Encode(bytes.NewReader([]byte("original")), nil, 1024, mb.write)
    if err != nil {
        t.Fatalf("encode: %v", err)
    }
    ref.InnerHash[0] ^= 0xFF

    var out bytes.Buffer
    _, err = Decode(ref, nil, mb.read, &out)
    var mismatch *HashMismatchError
    if !errors.As(err, &mismatch) {
        t.Fatalf("expected a *HashMismatchError, got %v", err)
    }
}

func TestEncodeEmptyInputProducesOneBlob(t *testing.T) {
    mb := newMemoryBackend()
    ref, n, err := Encode(bytes.NewReader(nil), nil, 128, mb.write)
    if err != nil {
        t.Fatalf("encode: %v", err)
    }
    if n != 0 {
        t.Fatalf("expected 0 bytes written, got %d", n)
    }
    if len(ref.ResourceKey.Backend) != 1 {
        t.Fatalf("expected exactly one (empty) blob, got %d", len(ref.ResourceKey.Backend))
    }

    var out bytes.Buffer
    if _, err := Decode(ref, nil, mb.read, &out); err != nil {
        t.Fatalf("decode: %v", err)
    }
    if out.Len() != 0 {
        t.Fatalf("expected empty decode, got %d bytes", out.Len())
    }
}

func TestDecodeUnverifiedReportsObservedBlobRef(t *testing.T) {
    mb := newMemoryBackend()
    ref, _, err := Encode(bytes.NewReader([]byte("bootstrap me")), nil, 1024, mb.write)
    if err != nil {
        t.Fatalf("encode: %v", err)
    }

    var out bytes.Buffer
    observed, _, err := DecodeUnverified(ref.ResourceKey, nil, mb.read, &out)
    if err != nil {
        t.Fatalf("decode unverified: %v", err)
    }
    if !observed.Equal(ref) {
        t.Fatalf("observed blob ref differs from the one produced at encode time")
    }
}
