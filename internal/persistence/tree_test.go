package persistence

import (
    "bytes"
    "testing"
    "time"

    "lab.nexedi.com/kirr/recursive-remote/internal/gitx"
    "lab.nexedi.com/kirr/recursive-remote/internal/model"
)

func fixedTime() time.Time {
    return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
}

func newTestRepo(t *testing.T) *gitx.Repository {
    t.Helper()
    repo, err := gitx.OpenOrInitBare(t.TempDir())
    if err != nil {
        t.Fatalf("init bare repo: %v", err)
    }
    return repo
}

func mustOid(t *testing.T, b byte) model.BackendOid {
    t.Helper()
    var o model.BackendOid
    o[0] = b
    return o
}

func TestEncodeAndReadStateRoundtrip(t *testing.T) {
    repo := newTestRepo(t)

    ns := model.Namespace{
        Refs: map[string]model.Ref{
            "refs/heads/main": model.NewDirectRef(mustOid(t, 0x11)),
        },
    }
    var nsRandom [20]byte
    nsRandom[0] = 0x42
    ns.RandomName = nsRandom

    nsRef, nsOids, err := EncodeAndWriteNamespace(repo, ns, nil, 20*1024*1024)
    if err != nil {
        t.Fatalf("encode namespace: %v", err)
    }

    st := model.State{Namespaces: map[string]model.NamespaceRef{"": nsRef}}
    stRef, stOids, err := EncodeAndWriteState(repo, st, nil, 20*1024*1024)
    if err != nil {
        t.Fatalf("encode state: %v", err)
    }

    var stRandom [20]byte
    stRandom[0] = 0x7

    var nsMetaRandom [20]byte
    nsMetaRandom[0] = 0x55
    touched := map[string]NamespaceWrite{
        "": {Namespace: ns, NamespaceRef: nsRef, EncodedOids: nsOids, MetadataRandomName: nsMetaRandom},
    }
    rootTree, err := CreateCommitTree(repo, nil, touched, stOids, stRandom)
    if err != nil {
        t.Fatalf("create commit tree: %v", err)
    }
    commitOid, err := CommitState(repo, "refs/heads/origin/tracking", rootTree, nil, fixedTime())
    if err != nil {
        t.Fatalf("commit state: %v", err)
    }

    gotState, gotRef, err := ReadStateUnverified(repo, commitOid, nil)
    if err != nil {
        t.Fatalf("read state unverified: %v", err)
    }
    if !model.BlobRef(gotRef).Equal(model.BlobRef(stRef)) {
        t.Fatalf("state ref mismatch")
    }
    gotNsRef, ok := gotState.Namespaces[""]
    if !ok {
        t.Fatalf("missing default namespace in read-back state")
    }

    gotNs, err := ReadNamespace(repo, gotNsRef, nil)
    if err != nil {
        t.Fatalf("read namespace: %v", err)
    }
    if gotNs.RandomName != ns.RandomName {
        t.Fatalf("namespace random name mismatch")
    }
    ref, ok := gotNs.Refs["refs/heads/main"]
    if !ok || ref.Direct != ns.Refs["refs/heads/main"].Direct {
        t.Fatalf("namespace refs mismatch: %+v", gotNs.Refs)
    }
}

func TestChunkTreeOrBlobSingleAndMultiple(t *testing.T) {
    repo := newTestRepo(t)

    oid, mode, present, err := chunkTreeOrBlob(repo, nil)
    if err != nil || present {
        t.Fatalf("expected absent for empty input, got present=%v err=%v", present, err)
    }
    _ = oid
    _ = mode

    one := []model.BackendOid{mustOid(t, 1)}
    _, mode, present, err = chunkTreeOrBlob(repo, one)
    if err != nil || !present || mode != gitx.FilemodeBlob {
        t.Fatalf("single chunk should be a lone blob, got mode=%v present=%v err=%v", mode, present, err)
    }

    data := []byte("chunk payload")
    blobOid, err := repo.WriteBlob(data)
    if err != nil {
        t.Fatalf("write blob: %v", err)
    }
    many := []model.BackendOid{modelOid(blobOid), modelOid(blobOid)}
    treeOid, mode, present, err := chunkTreeOrBlob(repo, many)
    if err != nil || !present || mode != gitx.FilemodeTree {
        t.Fatalf("multiple chunks should be a tree, got mode=%v present=%v err=%v", mode, present, err)
    }
    entries, err := repo.TreeEntries(treeOid)
    if err != nil {
        t.Fatalf("tree entries: %v", err)
    }
    if len(entries) != 2 || entries[0].Name != "00000000" || entries[1].Name != "00000001" {
        t.Fatalf("unexpected chunk tree entries: %+v", entries)
    }
}

func TestBlobReaderWriterRoundtrip(t *testing.T) {
    repo := newTestRepo(t)
    writer := blobWriterFor(repo)
    reader := blobReaderFor(repo)

    oid, err := writer([]byte("hello"))
    if err != nil {
        t.Fatalf("write: %v", err)
    }
    data, err := reader(oid)
    if err != nil {
        t.Fatalf("read: %v", err)
    }
    if !bytes.Equal(data, []byte("hello")) {
        t.Fatalf("roundtrip mismatch: %q", data)
    }
}
