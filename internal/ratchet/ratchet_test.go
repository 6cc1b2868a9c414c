package ratchet

import (
    "errors"
    "testing"

    "lab.nexedi.com/kirr/recursive-remote/internal/model"
)

func blobRef(backend byte, hash byte) model.BlobRef {
    var oid model.BackendOid
    oid[0] = backend
    var h model.InnerHash
    h[0] = hash
    return model.BlobRef{ResourceKey: model.NewBackendResourceKey([]model.BackendOid{oid}), InnerHash: h}
}

func TestValidPathExistsIdentical(t *testing.T) {
    ref := model.StateRef(blobRef(1, 1))
    ok, err := ValidPathExists(func(model.StateRef) (model.State, error) {
        t.Fatalf("decode should not be called for identical refs")
        return model.State{}, nil
    }, ref, ref)
    if err != nil || !ok {
        t.Fatalf("expected identical refs to be trivially reachable, got ok=%v err=%v", ok, err)
    }
}

func TestValidPathExistsCurrentIsParent(t *testing.T) {
    current := model.StateRef(blobRef(1, 1))
    future := model.StateRef(blobRef(2, 2))

    decode := func(ref model.StateRef) (model.State, error) {
        if model.BlobRef(ref).Equal(model.BlobRef(future)) {
            return model.State{Parents: []model.StateRef{current}}, nil
        }
        return model.State{}, errors.New("unexpected ref")
    }

    ok, err := ValidPathExists(decode, current, future)
    if err != nil || !ok {
        t.Fatalf("expected reachable, got ok=%v err=%v", ok, err)
    }
}

func TestValidPathExistsUnrelatedFails(t *testing.T) {
    current := model.StateRef(blobRef(1, 1))
    future := model.StateRef(blobRef(2, 2))

    decode := func(ref model.StateRef) (model.State, error) {
        return model.State{}, nil // no parents: dead end
    }

    ok, err := ValidPathExists(decode, current, future)
    if err != nil || ok {
        t.Fatalf("expected unreachable, got ok=%v err=%v", ok, err)
    }
}

func TestValidPathExistsSkipsIntegrityErrors(t *testing.T) {
    current := model.StateRef(blobRef(1, 1))
    dead := model.StateRef(blobRef(3, 3))
    mid := model.StateRef(blobRef(4, 4))
    future := model.StateRef(blobRef(2, 2))

    // The walk pops the last-pushed parent first, so dead is decoded
    // (and fails) before mid, whose parent is current.
    deadDecoded := false
    decode := func(ref model.StateRef) (model.State, error) {
        switch {
        case model.BlobRef(ref).Equal(model.BlobRef(future)):
            return model.State{Parents: []model.StateRef{mid, dead}}, nil
        case model.BlobRef(ref).Equal(model.BlobRef(dead)):
            deadDecoded = true
            return model.State{}, &ErrIntegrity{Err: errors.New("corrupt")}
        case model.BlobRef(ref).Equal(model.BlobRef(mid)):
            return model.State{Parents: []model.StateRef{current}}, nil
        }
        return model.State{}, errors.New("unexpected ref")
    }

    ok, err := ValidPathExists(decode, current, future)
    if err != nil || !ok {
        t.Fatalf("expected integrity error on one branch not to block the other, got ok=%v err=%v", ok, err)
    }
    if !deadDecoded {
        t.Fatalf("expected the walk to reach and skip the failing state")
    }
}

func TestValidPathExistsBoundsCycles(t *testing.T) {
    a := model.StateRef(blobRef(1, 1))
    b := model.StateRef(blobRef(2, 2))
    current := model.StateRef(blobRef(9, 9))

    calls := 0
    decode := func(ref model.StateRef) (model.State, error) {
        calls++
        if calls > 100 {
            t.Fatalf("cycle guard did not bound the walk")
        }
        if model.BlobRef(ref).Equal(model.BlobRef(a)) {
            return model.State{Parents: []model.StateRef{b}}, nil
        }
        return model.State{Parents: []model.StateRef{a}}, nil
    }

    ok, err := ValidPathExists(decode, current, a)
    if err != nil || ok {
        t.Fatalf("expected unreachable without hanging, got ok=%v err=%v", ok, err)
    }
}
