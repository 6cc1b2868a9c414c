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

// Package persistence implements spec.md §4.C: the backend tree
// layout, name-tree split, and commit authoring, grounded on
// original_source/persistence.rs (create_commit_tree,
// insert_metadata_chunk_tree, create_chunk_tree_or_blob,
// insert_into_name_tree, create_namespace_tree).
package persistence

import (
    "encoding/hex"
    "fmt"
    "sort"

    "lab.nexedi.com/kirr/recursive-remote/internal/gitx"
    "lab.nexedi.com/kirr/recursive-remote/internal/model"
)

func gitOid(b model.BackendOid) *gitx.Oid {
    var o gitx.Oid
    copy(o[:], b[:])
    return &o
}

func modelOid(o *gitx.Oid) model.BackendOid {
    var b model.BackendOid
    copy(b[:], o[:])
    return b
}

// chunkTreeOrBlob renders a list of backend chunk oids (spec.md §3
// ResourceKey.Backend) the way persistence.rs's
// create_chunk_tree_or_blob does: zero oids is nothing to insert, one
// oid inserts directly as a blob, more than one is wrapped in a tree
// keyed by zero-padded 8-digit index so chunk order survives git's
// by-name tree sort.
func chunkTreeOrBlob(repo *gitx.Repository, oids []model.BackendOid) (oid *gitx.Oid, mode gitx.Filemode, present bool, err error) {
    switch len(oids) {
    case 0:
        return nil, 0, false, nil
    case 1:
        return gitOid(oids[0]), gitx.FilemodeBlob, true, nil
    default:
        entries := make([]gitx.TreeEntry, len(oids))
        for i, o := range oids {
            entries[i] = gitx.TreeEntry{Name: fmt.Sprintf("%08d", i), Oid: gitOid(o), Mode: gitx.FilemodeBlob}
        }
        sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
        treeOid, err := repo.BuildTree(entries)
        if err != nil {
            return nil, 0, false, err
        }
        return treeOid, gitx.FilemodeTree, true, nil
    }
}

// insertIntoNameTree grafts (name, value, mode) into root at the
// name[0:2]/name[2:4]/name[4:40] path split, preserving any existing
// siblings at each level — this is the "forever" anchor / random-named
// pack/namespace slot mechanism of spec.md §4.C, reproduced bit for
// bit from persistence.rs's insert_into_name_tree (hex split points
// are load bearing: they bound each of the two upper directory levels
// to at most 256 entries; the leaf level is not bounded).
func insertIntoNameTree(repo *gitx.Repository, root *gitx.TreeBuilder, name [20]byte, value *gitx.Oid, mode gitx.Filemode) error {
    hexName := hex.EncodeToString(name[:])
    l1, l2, leaf := hexName[0:2], hexName[2:4], hexName[4:40]

    l1Oid, l1Found, err := root.GetSubtree(l1)
    if err != nil {
        return err
    }
    var baseL1 *gitx.Oid
    if l1Found {
        baseL1 = l1Oid
    }
    l1Builder, err := repo.NewTreeBuilder(baseL1)
    if err != nil {
        return err
    }
    defer l1Builder.Free()

    l2Oid, l2Found, err := l1Builder.GetSubtree(l2)
    if err != nil {
        return err
    }
    var baseL2 *gitx.Oid
    if l2Found {
        baseL2 = l2Oid
    }
    l2Builder, err := repo.NewTreeBuilder(baseL2)
    if err != nil {
        return err
    }
    defer l2Builder.Free()

    if err := l2Builder.Insert(leaf, value, mode); err != nil {
        return err
    }
    l2Written, err := l2Builder.Write()
    if err != nil {
        return err
    }
    if err := l1Builder.Insert(l2, l2Written, gitx.FilemodeTree); err != nil {
        return err
    }
    l1Written, err := l1Builder.Write()
    if err != nil {
        return err
    }
    return root.Insert(l1, l1Written, gitx.FilemodeTree)
}

// insertMetadataChunkTree installs a metadata blob (state or
// namespace, already chunk-encoded) at two places under root: a
// flattened `<name>.cbor` entry for direct lookup by the next reader,
// and a `<name>/<random>/...` forever anchor so garbage collection
// never reclaims it even after a later commit stops referencing it by
// name (spec.md §4.C "forever" anchor, §4.E.3 reachability anchoring).
func insertMetadataChunkTree(repo *gitx.Repository, root *gitx.TreeBuilder, name string, oids []model.BackendOid, randomName [20]byte) error {
    oid, mode, present, err := chunkTreeOrBlob(repo, oids)
    if err != nil {
        return err
    }
    if !present {
        return fmt.Errorf("persistence: empty metadata for %q", name)
    }

    foreverOid, foreverFound, err := root.GetSubtree(name)
    if err != nil {
        return err
    }
    var base *gitx.Oid
    if foreverFound {
        base = foreverOid
    }
    foreverBuilder, err := repo.NewTreeBuilder(base)
    if err != nil {
        return err
    }
    defer foreverBuilder.Free()

    if err := insertIntoNameTree(repo, foreverBuilder, randomName, oid, mode); err != nil {
        return err
    }
    foreverWritten, err := foreverBuilder.Write()
    if err != nil {
        return err
    }
    if err := root.Insert(name, foreverWritten, gitx.FilemodeTree); err != nil {
        return err
    }
    return root.Insert(name+".cbor", oid, mode)
}

// createNamespaceTree builds the ns_<hex>/ subtree: the namespace's
// own metadata anchor plus, if present, its pack's chunk anchor.
// metadataRandomName anchors this particular write of namespace.cbor
// in the forever tree and must be freshly random per call (see
// insertMetadataChunkTree) — it is unrelated to the namespace's own
// persistent identity (namespaceRandomName, used only for the ns_<hex>
// directory name), which stays fixed for the namespace's lifetime.
func createNamespaceTree(repo *gitx.Repository, base *gitx.Oid, namespaceOids []model.BackendOid, metadataRandomName [20]byte, pack *model.PackRef) (*gitx.Oid, error) {
    nsBuilder, err := repo.NewTreeBuilder(base)
    if err != nil {
        return nil, err
    }
    defer nsBuilder.Free()

    if err := insertMetadataChunkTree(repo, nsBuilder, "namespace", namespaceOids, metadataRandomName); err != nil {
        return nil, fmt.Errorf("insert namespace.cbor: %w", err)
    }

    if pack != nil {
        oid, mode, present, err := chunkTreeOrBlob(repo, pack.BlobRef.ResourceKey.Backend)
        if err != nil {
            return nil, err
        }
        if present {
            packOid, packFound, err := nsBuilder.GetSubtree("pack")
            if err != nil {
                return nil, err
            }
            var packBase *gitx.Oid
            if packFound {
                packBase = packOid
            }
            packBuilder, err := repo.NewTreeBuilder(packBase)
            if err != nil {
                return nil, err
            }
            defer packBuilder.Free()

            if err := insertIntoNameTree(repo, packBuilder, pack.RandomName, oid, mode); err != nil {
                return nil, err
            }
            packWritten, err := packBuilder.Write()
            if err != nil {
                return nil, err
            }
            if err := nsBuilder.Insert("pack", packWritten, gitx.FilemodeTree); err != nil {
                return nil, err
            }
        }
    }

    return nsBuilder.Write()
}

// NamespaceWrite is what CreateCommitTree needs to (re)build one
// touched namespace's ns_<hex>/ subtree.
type NamespaceWrite struct {
    Namespace           model.Namespace
    NamespaceRef        model.NamespaceRef
    EncodedOids         []model.BackendOid // the oids backing NamespaceRef.ResourceKey
    MetadataRandomName  [20]byte           // fresh per push; anchors this write's namespace.cbor forever
}

// CreateCommitTree builds the complete root tree for one backend
// commit: one ns_<hex>/ subtree per touched namespace plus the
// top-level state.cbor anchor, grounded on persistence.rs's
// create_commit_tree. parentTree is the parent commit's root tree
// (nil for the very first commit); touched supplies, for each
// namespace this push touched, its encoded oids/random name/pack so
// the ns_<hex> subtree can be (re)built.
func CreateCommitTree(repo *gitx.Repository, parentTree *gitx.Oid, touched map[string]NamespaceWrite, stateOids []model.BackendOid, stateRandomName [20]byte) (*gitx.Oid, error) {
    root, err := repo.NewTreeBuilder(parentTree)
    if err != nil {
        return nil, err
    }
    defer root.Free()

    for _, nw := range touched {
        name := "ns_" + hex.EncodeToString(nw.Namespace.RandomName[:])
        base, found, err := root.GetSubtree(name)
        if err != nil {
            return nil, err
        }
        var baseOid *gitx.Oid
        if found {
            baseOid = base
        }
        nsTree, err := createNamespaceTree(repo, baseOid, nw.EncodedOids, nw.MetadataRandomName, nw.Namespace.Pack)
        if err != nil {
            return nil, fmt.Errorf("namespace tree %q: %w", name, err)
        }
        if err := root.Insert(name, nsTree, gitx.FilemodeTree); err != nil {
            return nil, err
        }
    }

    if err := insertMetadataChunkTree(repo, root, "state", stateOids, stateRandomName); err != nil {
        return nil, fmt.Errorf("insert state.cbor: %w", err)
    }

    return root.Write()
}
