// Copyright (C) 2025  Nexedi SA and Contributors.
//                     Kirill Smelkov <kirr@nexedi.com>
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.

package persistence

import (
    "bytes"
    "fmt"
    "io"

    "lab.nexedi.com/kirr/recursive-remote/internal/codec"
    "lab.nexedi.com/kirr/recursive-remote/internal/gitx"
    "lab.nexedi.com/kirr/recursive-remote/internal/model"
)

func blobReaderFor(repo *gitx.Repository) codec.BlobReader {
    return func(oid model.BackendOid) ([]byte, error) {
        data, _, err := repo.ReadOid(gitOid(oid))
        return data, err
    }
}

func blobWriterFor(repo *gitx.Repository) codec.BlobWriter {
    return func(data []byte) (model.BackendOid, error) {
        oid, err := repo.WriteBlob(data)
        if err != nil {
            return model.BackendOid{}, err
        }
        return modelOid(oid), nil
    }
}

// chunkOidsAt resolves a tree-or-blob metadata entry (spec.md §4.C) to
// its flat, ordered list of backend chunk oids: a lone blob is one
// chunk, a tree's children (already name-sorted by index) are the
// chunks in original write order, grounded on
// encoding.rs's decode_unverified_state_from_tree_or_blob_oid.
func chunkOidsAt(repo *gitx.Repository, oid *gitx.Oid) ([]model.BackendOid, error) {
    isTree, err := repo.LookupTreeType(oid)
    if err != nil {
        return nil, err
    }
    if !isTree {
        return []model.BackendOid{modelOid(oid)}, nil
    }
    entries, err := repo.TreeEntries(oid)
    if err != nil {
        return nil, err
    }
    oids := make([]model.BackendOid, len(entries))
    for i, e := range entries {
        oids[i] = modelOid(e.Oid)
    }
    return oids, nil
}

// ReadStateUnverified decodes the state.cbor metadata entry at the
// root of commitOid's tree without requiring a caller-supplied inner
// hash, reporting the StateRef it observed. Reconcile uses it on the
// tracking, pushing and basis refs, whose inner hashes are not known
// up front. Every decode error is returned to the caller.
func ReadStateUnverified(repo *gitx.Repository, commitOid *gitx.Oid, stateKey codec.Key) (model.State, model.StateRef, error) {
    rootTree, err := repo.CommitTree(commitOid)
    if err != nil {
        return model.State{}, model.StateRef{}, err
    }
    entryOid, _, err := repo.TreeEntryByPath(rootTree, "state.cbor")
    if err != nil {
        return model.State{}, model.StateRef{}, fmt.Errorf("persistence: no state.cbor at commit: %w", err)
    }
    oids, err := chunkOidsAt(repo, entryOid)
    if err != nil {
        return model.State{}, model.StateRef{}, err
    }

    var buf bytes.Buffer
    blobRef, _, err := codec.DecodeUnverified(model.NewBackendResourceKey(oids), stateKey, blobReaderFor(repo), &buf)
    if err != nil {
        return model.State{}, model.StateRef{}, err
    }
    st, err := model.DecodeState(buf.Bytes())
    if err != nil {
        return model.State{}, model.StateRef{}, err
    }
    return st, model.StateRef(blobRef), nil
}

// ReadState decodes the State named by ref, verifying its inner hash.
func ReadState(repo *gitx.Repository, ref model.StateRef, stateKey codec.Key) (model.State, error) {
    var buf bytes.Buffer
    if _, err := codec.Decode(model.BlobRef(ref), stateKey, blobReaderFor(repo), &buf); err != nil {
        return model.State{}, err
    }
    return model.DecodeState(buf.Bytes())
}

// ReadNamespace decodes the Namespace named by ref, verifying its
// inner hash.
func ReadNamespace(repo *gitx.Repository, ref model.NamespaceRef, namespaceKey codec.Key) (model.Namespace, error) {
    var buf bytes.Buffer
    if _, err := codec.Decode(model.BlobRef(ref), namespaceKey, blobReaderFor(repo), &buf); err != nil {
        return model.Namespace{}, err
    }
    return model.DecodeNamespace(buf.Bytes())
}

// EncodeAndWriteState canonically serializes st, encodes it through
// the codec (optionally encrypted under stateKey), and returns both
// the resulting StateRef and the backend chunk oids backing it (the
// caller needs the oids again to anchor them under the "state" forever
// tree — spec.md §4.C).
func EncodeAndWriteState(repo *gitx.Repository, st model.State, stateKey codec.Key, maxObjectSize int) (model.StateRef, []model.BackendOid, error) {
    data, err := model.EncodeState(st)
    if err != nil {
        return model.StateRef{}, nil, fmt.Errorf("encode state.cbor: %w", err)
    }
    blobRef, _, err := codec.Encode(bytes.NewReader(data), stateKey, maxObjectSize, blobWriterFor(repo))
    if err != nil {
        return model.StateRef{}, nil, err
    }
    return model.StateRef(blobRef), blobRef.ResourceKey.Backend, nil
}

// EncodeAndWriteNamespace is EncodeAndWriteState's Namespace analogue.
func EncodeAndWriteNamespace(repo *gitx.Repository, ns model.Namespace, namespaceKey codec.Key, maxObjectSize int) (model.NamespaceRef, []model.BackendOid, error) {
    data, err := model.EncodeNamespace(ns)
    if err != nil {
        return model.NamespaceRef{}, nil, fmt.Errorf("encode namespace.cbor: %w", err)
    }
    blobRef, _, err := codec.Encode(bytes.NewReader(data), namespaceKey, maxObjectSize, blobWriterFor(repo))
    if err != nil {
        return model.NamespaceRef{}, nil, err
    }
    return model.NamespaceRef(blobRef), blobRef.ResourceKey.Backend, nil
}

// EncodePackStream encodes an already-running `git pack-objects`
// subprocess's stdout as the namespace's pack blob, grounded on
// persistence.rs's update_namespace_with_push (which reads
// pack_process.stdout straight into encode()). A pack of zero bytes
// means "nothing new to pack" and yields (nil, nil) rather than
// an empty PackRef, matching the original's size > 0 check.
func EncodePackStream(repo *gitx.Repository, packStdout io.Reader, namespaceKey codec.Key, maxObjectSize int, randomName [20]byte) (*model.PackRef, error) {
    blobRef, size, err := codec.Encode(packStdout, namespaceKey, maxObjectSize, blobWriterFor(repo))
    if err != nil {
        return nil, err
    }
    if size == 0 {
        return nil, nil
    }
    return &model.PackRef{BlobRef: blobRef, RandomName: randomName}, nil
}
