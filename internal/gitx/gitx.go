// Copyright (C) 2025  Nexedi SA and Contributors.
//                     Kirill Smelkov <kirr@nexedi.com>
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// You can also Link and Combine this program with other software covered by
// the terms of any of the Free Software licenses or any of the Open Source
// Initiative approved licenses and Convey the resulting work. Corresponding
// source of such a combination shall include the source code for all other
// software used.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.
// See https://www.nexedi.com/licensing for rationale and options.

// Package gitx wraps package git2go with providing unconditional safety.
//
// For example git2go.Object.Data() returns []byte that aliases unsafe memory
// that can go away from under []byte if original Object is garbage collected.
// The following code snippet is thus _not_ correct:
//
//	obj = odb.Read(oid)
//	data = obj.Data()
//	... use data
//
// because obj can be garbage-collected right after `data = obj.Data()` but
// before `use data` leading to either crashes or memory corruption. A
// runtime.KeepAlive(obj) needs to be added to the end of the snippet - after
// `use data` - to make that code correct.
//
// Given that obj.Data() is not "speaking" by itself as unsafe, and that there
// are many similar methods, it is hard to see which places in the code needs
// special attention.
//
// For this reason recursive-remote, following its teacher, localizes
// git2go-related code in one small place here, and exposes only safe things
// to outside: data is copied out of git2go's arena before being returned.
//
// This package also grows the odb-only wrapper of the teacher into the
// tree-builder, commit-authoring and commit-graph-descendancy operations
// that the ref & state persistence (component C) and ratchet (component D)
// layers need (spec.md §4.C, §4.D.2).
package gitx

import (
    "fmt"
    "runtime"
    "time"

    git2go "github.com/libgit2/git2go/v31"
)

// constants are safe to propagate as is.
const (
    ObjectAny    = git2go.ObjectAny
    ObjectCommit = git2go.ObjectCommit
    ObjectTree   = git2go.ObjectTree
    ObjectBlob   = git2go.ObjectBlob
)

type (
    ObjectType = git2go.ObjectType
    Oid        = git2go.Oid
    Filemode   = git2go.Filemode
)

const (
    FilemodeBlob Filemode = git2go.FilemodeBlob
    FilemodeTree Filemode = git2go.FilemodeTree
)

// Repository provides a safe wrapper over git2go.Repository.
type Repository struct {
    repo *git2go.Repository
}

func Open(path string) (*Repository, error) {
    repo, err := git2go.OpenRepository(path)
    if err != nil {
        return nil, err
    }
    return &Repository{repo: repo}, nil
}

// OpenOrInitBare opens the bare repository at path, creating it if it
// does not yet exist. It does not touch gc.auto; main's
// initializeStore does that for freshly created stores (SPEC_FULL.md §C).
func OpenOrInitBare(path string) (*Repository, error) {
    repo, err := git2go.OpenRepository(path)
    if err == nil {
        return &Repository{repo: repo}, nil
    }
    repo, err = git2go.InitRepository(path, true)
    if err != nil {
        return nil, err
    }
    return &Repository{repo: repo}, nil
}

func (r *Repository) Path() string {
    p := stringsClone(r.repo.Path())
    runtime.KeepAlive(r.repo)
    return p
}

// ---- odb ----

func (r *Repository) ReadOid(oid *Oid) (data []byte, otype ObjectType, err error) {
    odb, err := r.repo.Odb()
    if err != nil {
        return nil, 0, &OdbNotReady{r.Path(), err}
    }
    obj, err := odb.Read(oid)
    if err != nil {
        return nil, 0, err
    }
    data = bytesClone(obj.Data())
    otype = obj.Type()
    runtime.KeepAlive(obj)
    return data, otype, nil
}

func (r *Repository) WriteBlob(data []byte) (*Oid, error) {
    odb, err := r.repo.Odb()
    if err != nil {
        return nil, &OdbNotReady{r.Path(), err}
    }
    oid, err := odb.Write(data, ObjectBlob)
    if err != nil {
        return nil, err
    }
    return oidClone(oid), nil
}

type OdbNotReady struct {
    path string
    err  error
}

func (e *OdbNotReady) Error() string {
    return fmt.Sprintf("git(%q): odb not ready: %s", e.path, e.err)
}

// ---- tree building (spec.md §4.C) ----

// TreeEntry is one entry to insert into a tree being built: either a
// direct blob/tree oid, or — for the chunked-blob case — the caller
// has already written a subtree and passes its oid with FilemodeTree.
type TreeEntry struct {
    Name string
    Oid  *Oid
    Mode Filemode
}

// BuildTree creates a new tree object from a flat, already-sorted-by-
// name list of entries. Git trees require lexicographic ordering by
// name; callers (internal/persistence) are responsible for sorting.
func (r *Repository) BuildTree(entries []TreeEntry) (*Oid, error) {
    tb, err := r.repo.TreeBuilder()
    if err != nil {
        return nil, err
    }
    defer tb.Free()
    for _, e := range entries {
        if err := tb.Insert(e.Name, e.Oid, int(e.Mode)); err != nil {
            return nil, fmt.Errorf("tree entry %q: %w", e.Name, err)
        }
    }
    oid, err := tb.Write()
    if err != nil {
        return nil, err
    }
    return oidClone(oid), nil
}

// TreeBuilder is a safe wrapper over git2go.TreeBuilder that can be
// seeded from an existing tree, letting callers incrementally merge
// new entries into one subtree path at a time — the pattern
// persistence.rs's create_treebuilder_at/insert_into_name_tree use to
// graft a freshly written leaf into an otherwise untouched tree
// without losing siblings (spec.md §4.C "forever" anchor, name-tree
// split).
type TreeBuilder struct {
    repo *git2go.Repository
    tb   *git2go.TreeBuilder
}

// NewTreeBuilder starts a tree builder seeded from base (the existing
// tree's entries are copied in), or empty if base is nil.
func (r *Repository) NewTreeBuilder(base *Oid) (*TreeBuilder, error) {
    var baseTree *git2go.Tree
    if base != nil {
        t, err := r.repo.LookupTree(base)
        if err != nil {
            return nil, err
        }
        defer t.Free()
        baseTree = t
    }
    tb, err := r.repo.TreeBuilderFromTree(baseTree)
    if err != nil {
        return nil, err
    }
    return &TreeBuilder{repo: r.repo, tb: tb}, nil
}

// GetSubtree returns the oid of an existing tree-typed entry named
// name, or found=false if there is no such entry.
func (b *TreeBuilder) GetSubtree(name string) (oid *Oid, found bool, err error) {
    entry := b.tb.Get(name)
    if entry == nil {
        return nil, false, nil
    }
    if entry.Filemode != FilemodeTree {
        return nil, false, fmt.Errorf("gitx: entry %q is not a tree", name)
    }
    return oidClone(&entry.Id), true, nil
}

func (b *TreeBuilder) Insert(name string, oid *Oid, mode Filemode) error {
    return b.tb.Insert(name, oid, int(mode))
}

func (b *TreeBuilder) Write() (*Oid, error) {
    oid, err := b.tb.Write()
    if err != nil {
        return nil, err
    }
    return oidClone(oid), nil
}

func (b *TreeBuilder) Free() {
    b.tb.Free()
}

// TreeEntryByPath resolves a "/"-separated path inside the tree rooted
// at treeOid, returning the leaf oid and whether it is itself a tree.
func (r *Repository) TreeEntryByPath(treeOid *Oid, path string) (*Oid, ObjectType, error) {
    tree, err := r.repo.LookupTree(treeOid)
    if err != nil {
        return nil, 0, err
    }
    defer tree.Free()
    entry, err := tree.EntryByPath(path)
    if err != nil {
        return nil, 0, err
    }
    var ot ObjectType
    if entry.Filemode == FilemodeTree {
        ot = ObjectTree
    } else {
        ot = ObjectBlob
    }
    return oidClone(&entry.Id), ot, nil
}

// TreeEntries lists the direct children of the tree at treeOid, in
// the order git2go reports them (already name-sorted, since that is
// how git trees are stored on disk).
func (r *Repository) TreeEntries(treeOid *Oid) ([]TreeEntry, error) {
    tree, err := r.repo.LookupTree(treeOid)
    if err != nil {
        return nil, err
    }
    defer tree.Free()
    n := tree.EntryCount()
    entries := make([]TreeEntry, 0, n)
    for i := uint64(0); i < n; i++ {
        e := tree.EntryByIndex(i)
        entries = append(entries, TreeEntry{Name: stringsClone(e.Name), Oid: oidClone(e.Id), Mode: e.Filemode})
    }
    return entries, nil
}

// LookupTreeType reports whether oid names a tree object, used by
// callers that need to tell apart "this
// metadata entry is a lone blob" from "this metadata entry is a
// multi-chunk tree" (spec.md §4.C chunked-blob-as-tree-or-blob).
func (r *Repository) LookupTreeType(oid *Oid) (isTree bool, err error) {
    ot, err := r.LookupObjectType(oid)
    if err != nil {
        return false, err
    }
    return ot == ObjectTree, nil
}

// ---- commit authoring (spec.md §4.C "Commit authoring") ----

type Signature struct {
    Name  string
    Email string
    When  time.Time
}

func (s Signature) toGit2go() *git2go.Signature {
    return &git2go.Signature{Name: s.Name, Email: s.Email, When: s.When}
}

// CreateCommit authors a new commit over treeOid with exactly the
// given parents (spec.md §4.C: "Every commit has exactly one backend
// parent... supplied purely for backend reachability"). Message is
// opaque; callers pass a fixed synthetic message since these commits
// are never user-visible.
func (r *Repository) CreateCommit(refname string, author, committer Signature, message string, treeOid *Oid, parentOids ...*Oid) (*Oid, error) {
    tree, err := r.repo.LookupTree(treeOid)
    if err != nil {
        return nil, err
    }
    defer tree.Free()

    parents := make([]*git2go.Commit, 0, len(parentOids))
    for _, poid := range parentOids {
        pc, err := r.repo.LookupCommit(poid)
        if err != nil {
            return nil, err
        }
        defer pc.Free()
        parents = append(parents, pc)
    }

    oid, err := r.repo.CreateCommit(refname, author.toGit2go(), committer.toGit2go(), message, tree, parents...)
    if err != nil {
        return nil, err
    }
    return oidClone(oid), nil
}

// CommitTree resolves a commit to its root tree oid.
func (r *Repository) CommitTree(commitOid *Oid) (*Oid, error) {
    c, err := r.repo.LookupCommit(commitOid)
    if err != nil {
        return nil, err
    }
    defer c.Free()
    return oidClone(c.TreeId()), nil
}

// ---- refs ----

func (r *Repository) SetRef(name string, target *Oid, force bool, msg string) error {
    ref, err := r.repo.References.Create(name, target, force, msg)
    if err != nil {
        return err
    }
    ref.Free()
    return nil
}

func (r *Repository) LookupRef(name string) (*Oid, error) {
    ref, err := r.repo.References.Lookup(name)
    if err != nil {
        return nil, err
    }
    defer ref.Free()
    target := ref.Target()
    if target == nil {
        return nil, fmt.Errorf("gitx: ref %q is not a direct reference", name)
    }
    return oidClone(target), nil
}

func (r *Repository) DeleteRef(name string) error {
    ref, err := r.repo.References.Lookup(name)
    if err != nil {
        return err
    }
    defer ref.Free()
    return ref.Delete()
}

// ForEachRefGlob lists refs matching a glob (e.g. "refs/heads/origin/*"),
// used by reachability compaction (spec.md §4.E.3).
func (r *Repository) ForEachRefGlob(glob string) ([]string, error) {
    it, err := r.repo.NewReferenceIteratorGlob(glob)
    if err != nil {
        return nil, err
    }
    var names []string
    for {
        ref, err := it.Next()
        if err != nil {
            break
        }
        names = append(names, stringsClone(ref.Name()))
        ref.Free()
    }
    return names, nil
}

// ---- commit DAG descendancy (spec.md §4.D.2) ----

// DescendantOf reports whether commit is a descendant of ancestor. A
// commit is considered its own descendant (spec.md §4.D.2).
func (r *Repository) DescendantOf(commit, ancestor *Oid) (bool, error) {
    if commit.Equal(ancestor) {
        return true, nil
    }
    return r.repo.DescendantOf(commit, ancestor)
}

// LookupObjectType returns the object type for an oid without caring
// about its content, used by the fast-forward check's "is this a
// commit" gate.
func (r *Repository) LookupObjectType(oid *Oid) (ObjectType, error) {
    obj, err := r.repo.Lookup(oid)
    if err != nil {
        return 0, err
    }
    defer obj.Free()
    return obj.Type(), nil
}

// ---- config ----

func (r *Repository) Config() (*git2go.Config, error) {
    return r.repo.Config()
}

// ---- misc ----

func stringsClone(s string) string {
    b := make([]byte, len(s))
    copy(b, s)
    return string(b)
}

func bytesClone(b []byte) []byte {
    if b == nil {
        return nil
    }
    c := make([]byte, len(b))
    copy(c, b)
    return c
}

func oidClone(oid *Oid) *Oid {
    if oid == nil {
        return nil
    }
    var o Oid
    copy(o[:], oid[:])
    return &o
}
