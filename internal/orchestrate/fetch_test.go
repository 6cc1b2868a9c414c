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

package orchestrate

import (
    "testing"
    "time"

    "lab.nexedi.com/kirr/recursive-remote/internal/gitx"
    "lab.nexedi.com/kirr/recursive-remote/internal/model"
    "lab.nexedi.com/kirr/recursive-remote/internal/persistence"
)

func mustBackendOid(b byte) model.BackendOid {
    var o model.BackendOid
    o[0] = b
    return o
}

// appendState writes one more commit onto repo's history carrying a
// single namespace whose pack is tagged packSeed, parented on
// parentStateRef (if any), and returns the new StateRef plus the
// commit/tree oids CreateCommitTree/CommitState produced, so the next
// call in the chain can parent off them.
func appendState(t *testing.T, repo *gitx.Repository, parentTree, parentCommit *gitx.Oid, parentStateRef *model.StateRef, packSeed byte) (model.StateRef, *gitx.Oid, *gitx.Oid) {
    t.Helper()

    blobOid, err := repo.WriteBlob([]byte{packSeed})
    if err != nil {
        t.Fatalf("write blob: %v", err)
    }
    var packRandom [20]byte
    packRandom[0] = packSeed
    pack := &model.PackRef{
        BlobRef: model.BlobRef{
            ResourceKey: model.NewBackendResourceKey([]model.BackendOid{mustBackendOidFromGit(blobOid)}),
        },
        RandomName: packRandom,
    }

    var nsRandom [20]byte
    nsRandom[0] = packSeed + 1
    ns := model.Namespace{Refs: map[string]model.Ref{}, Pack: pack, RandomName: nsRandom}

    nsRef, nsOids, err := persistence.EncodeAndWriteNamespace(repo, ns, nil, 20*1024*1024)
    if err != nil {
        t.Fatalf("encode namespace: %v", err)
    }

    st := model.State{Namespaces: map[string]model.NamespaceRef{"": nsRef}}
    if parentStateRef != nil {
        st.Parents = []model.StateRef{*parentStateRef}
    }
    stRef, stOids, err := persistence.EncodeAndWriteState(repo, st, nil, 20*1024*1024)
    if err != nil {
        t.Fatalf("encode state: %v", err)
    }

    var metaRandom, stateRandom [20]byte
    metaRandom[0] = packSeed + 2
    stateRandom[0] = packSeed + 3
    touched := map[string]persistence.NamespaceWrite{
        "": {Namespace: ns, NamespaceRef: nsRef, EncodedOids: nsOids, MetadataRandomName: metaRandom},
    }
    rootTree, err := persistence.CreateCommitTree(repo, parentTree, touched, stOids, stateRandom)
    if err != nil {
        t.Fatalf("create commit tree: %v", err)
    }
    commitOid, err := persistence.CommitState(repo, "refs/heads/origin/tracking", rootTree, parentCommit,
        time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
    if err != nil {
        t.Fatalf("commit state: %v", err)
    }
    return stRef, rootTree, commitOid
}

func mustBackendOidFromGit(o *gitx.Oid) model.BackendOid {
    var b model.BackendOid
    copy(b[:], o[:])
    return b
}

func TestMaterializeOrderedPackListIsOldestFirst(t *testing.T) {
    repo, err := gitx.OpenOrInitBare(t.TempDir())
    if err != nil {
        t.Fatalf("init repo: %v", err)
    }
    env := &Env{Namespace: "", Tracking: repo, MaxObjectSize: 20 * 1024 * 1024}

    oldRef, oldTree, oldCommit := appendState(t, repo, nil, nil, nil, 0x10)
    newRef, _, _ := appendState(t, repo, oldTree, oldCommit, &oldRef, 0x20)

    packs, err := materializeOrderedPackList(env, newRef, nil)
    if err != nil {
        t.Fatalf("materialize: %v", err)
    }
    if len(packs) != 2 {
        t.Fatalf("expected 2 packs, got %d", len(packs))
    }
    if packs[0].RandomName[0] != 0x10 || packs[1].RandomName[0] != 0x20 {
        t.Fatalf("expected oldest-first order, got %#x then %#x", packs[0].RandomName[0], packs[1].RandomName[0])
    }
}

func TestMaterializeOrderedPackListStopsAtBasis(t *testing.T) {
    repo, err := gitx.OpenOrInitBare(t.TempDir())
    if err != nil {
        t.Fatalf("init repo: %v", err)
    }
    env := &Env{Namespace: "", Tracking: repo, MaxObjectSize: 20 * 1024 * 1024}

    oldRef, oldTree, oldCommit := appendState(t, repo, nil, nil, nil, 0x30)
    newRef, _, _ := appendState(t, repo, oldTree, oldCommit, &oldRef, 0x40)

    packs, err := materializeOrderedPackList(env, newRef, &oldRef)
    if err != nil {
        t.Fatalf("materialize: %v", err)
    }
    if len(packs) != 1 || packs[0].RandomName[0] != 0x40 {
        t.Fatalf("expected only the pack past basis, got %+v", packs)
    }
}

func TestStateRefKeyIsStableAndDistinguishesStates(t *testing.T) {
    a := model.StateRef{ResourceKey: model.NewBackendResourceKey([]model.BackendOid{mustBackendOid(1)})}
    b := model.StateRef{ResourceKey: model.NewBackendResourceKey([]model.BackendOid{mustBackendOid(2)})}

    if stateRefKey(a) != stateRefKey(a) {
        t.Fatalf("stateRefKey is not stable across calls")
    }
    if stateRefKey(a) == stateRefKey(b) {
        t.Fatalf("distinct states hashed to the same key")
    }
}
