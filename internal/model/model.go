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

// Package model implements spec.md §3/§4.B: the in-memory data model
// (ResourceKey, BlobRef, PackRef, Ref, Namespace, State) and its
// canonical binary serialization, grounded on
// original_source/serialization.rs.
//
// The original uses bincode over BTreeMap (so maps serialize in
// sorted-key order, see serialization.rs's Serialized* mirror types).
// Go has no BTreeMap; this package uses github.com/fxamacker/cbor/v2's
// canonical encoding mode instead, which sorts map keys deterministically
// (by RFC 7049 canonical CBOR rules: shorter keys first, then
// byte-wise) and fixes integer/float widths. This satisfies spec.md's
// invariant 5 ("Serialized State and Namespace byte forms are
// canonical") and testable property 4 ("serialize, deserialize,
// reserialize: the two serialized byte sequences are equal") without
// needing to hand-roll a BTreeMap-shaped encoder.
package model

import (
    "bytes"
    "fmt"
    "sort"

    "github.com/fxamacker/cbor/v2"
)

const (
    BackendOidSize = 20
    InnerHashSize  = 32
)

// BackendOid is this system's own copy of a 20-byte backend object id
// (spec.md §3); kept independent of whatever Oid type the hosting
// process uses for its own git2go calls so this package has no
// dependency on package main or internal/gitx.
type BackendOid [BackendOidSize]byte

// InnerHash is the 32-byte SHA-256 over plaintext content (spec.md §3).
type InnerHash [InnerHashSize]byte

func (h InnerHash) String() string {
    return fmt.Sprintf("%x", h[:])
}

// ResourceKeyKind tags the ResourceKey union (spec.md §3).
type ResourceKeyKind uint8

const (
    ResourceKeyBackend  ResourceKeyKind = 0
    ResourceKeyExternal ResourceKeyKind = 1
)

// ResourceKey is a tagged union: either an ordered list of backend
// object ids whose concatenation (after optional decryption) is the
// logical content, or an External placeholder the core rejects.
type ResourceKey struct {
    Kind     ResourceKeyKind
    Backend  []BackendOid // valid iff Kind == ResourceKeyBackend
    External string       // valid iff Kind == ResourceKeyExternal
}

func NewBackendResourceKey(oids []BackendOid) ResourceKey {
    return ResourceKey{Kind: ResourceKeyBackend, Backend: oids}
}

func (k ResourceKey) Equal(o ResourceKey) bool {
    if k.Kind != o.Kind {
        return false
    }
    switch k.Kind {
    case ResourceKeyBackend:
        if len(k.Backend) != len(o.Backend) {
            return false
        }
        for i := range k.Backend {
            if k.Backend[i] != o.Backend[i] {
                return false
            }
        }
        return true
    case ResourceKeyExternal:
        return k.External == o.External
    }
    return false
}

// BlobRef identifies content by (resource_key, inner_hash); see
// spec.md §3. Two BlobRef are equal iff both components are equal.
type BlobRef struct {
    ResourceKey ResourceKey
    InnerHash   InnerHash
}

func (b BlobRef) Equal(o BlobRef) bool {
    return b.InnerHash == o.InnerHash && b.ResourceKey.Equal(o.ResourceKey)
}

// PackRef names a pack inside a backend tree by a random, freshly
// generated 20-byte name, so identical pack contents do not collide
// and the backend never sees the pack's real hash (spec.md §3).
type PackRef struct {
    BlobRef    BlobRef
    RandomName [20]byte
}

// RefKind tags the Ref union (spec.md §3).
type RefKind uint8

const (
    RefDirect   RefKind = 0
    RefSymbolic RefKind = 1
)

// Ref is a captured snapshot of a user-repository ref at observation
// time (spec.md §3): either a direct backend object id, or a symbolic
// reference together with the target id observed when it was captured
// (never later mutated — invariant 3).
type Ref struct {
    Kind           RefKind
    Direct         BackendOid
    SymbolicName   string      // valid iff Kind == RefSymbolic
    SymbolicTarget *BackendOid // optional even when Kind == RefSymbolic
}

func NewDirectRef(oid BackendOid) Ref {
    return Ref{Kind: RefDirect, Direct: oid}
}

func NewSymbolicRef(name string, target *BackendOid) Ref {
    return Ref{Kind: RefSymbolic, SymbolicName: name, SymbolicTarget: target}
}

// ShallowEqual implements spec.md §4.D.2's "current == future (shallow
// equality on Ref)" check.
func (r Ref) ShallowEqual(o Ref) bool {
    if r.Kind != o.Kind {
        return false
    }
    if r.Kind == RefDirect {
        return r.Direct == o.Direct
    }
    if r.SymbolicName != o.SymbolicName {
        return false
    }
    switch {
    case r.SymbolicTarget == nil && o.SymbolicTarget == nil:
        return true
    case r.SymbolicTarget == nil || o.SymbolicTarget == nil:
        return false
    default:
        return *r.SymbolicTarget == *o.SymbolicTarget
    }
}

// NamespaceRef/StateRef are distinct newtypes over BlobRef to prevent
// cross-kind mixups at the type level (spec.md §9 "Polymorphism
// strategy").
type NamespaceRef BlobRef
type StateRef BlobRef

// Namespace is an independent logical repository on the backend
// branch (spec.md §3).
type Namespace struct {
    Refs       map[string]Ref
    Pack       *PackRef
    RandomName [20]byte
}

// State is the root of the inner-hash DAG for one backend commit
// (spec.md §3).
type State struct {
    Namespaces map[string]NamespaceRef
    Parents    []StateRef // must be sorted by serialized bytes; see SortParents
}

// ---- canonical serialized mirrors ----

type serializedResourceKey struct {
    Tag      uint8  `cbor:"1,keyasint"`
    Backend  []byte `cbor:"2,keyasint,omitempty"`
    External string `cbor:"3,keyasint,omitempty"`
}

func toSerializedResourceKey(k ResourceKey) serializedResourceKey {
    s := serializedResourceKey{Tag: uint8(k.Kind)}
    switch k.Kind {
    case ResourceKeyBackend:
        buf := make([]byte, 0, len(k.Backend)*BackendOidSize)
        for _, oid := range k.Backend {
            buf = append(buf, oid[:]...)
        }
        s.Backend = buf
    case ResourceKeyExternal:
        s.External = k.External
    }
    return s
}

func fromSerializedResourceKey(s serializedResourceKey) (ResourceKey, error) {
    switch ResourceKeyKind(s.Tag) {
    case ResourceKeyBackend:
        if len(s.Backend)%BackendOidSize != 0 {
            return ResourceKey{}, fmt.Errorf("model: resource key backend payload is %d bytes, not a multiple of %d bytes each", len(s.Backend), BackendOidSize)
        }
        n := len(s.Backend) / BackendOidSize
        oids := make([]BackendOid, n)
        for i := 0; i < n; i++ {
            copy(oids[i][:], s.Backend[i*BackendOidSize:(i+1)*BackendOidSize])
        }
        return ResourceKey{Kind: ResourceKeyBackend, Backend: oids}, nil
    case ResourceKeyExternal:
        return ResourceKey{Kind: ResourceKeyExternal, External: s.External}, nil
    default:
        return ResourceKey{}, fmt.Errorf("model: unknown resource key tag %d", s.Tag)
    }
}

type serializedBlobRef struct {
    ResourceKey serializedResourceKey `cbor:"1,keyasint"`
    InnerHash   []byte                `cbor:"2,keyasint"`
}

func toSerializedBlobRef(b BlobRef) serializedBlobRef {
    return serializedBlobRef{
        ResourceKey: toSerializedResourceKey(b.ResourceKey),
        InnerHash:   append([]byte(nil), b.InnerHash[:]...),
    }
}

func fromSerializedBlobRef(s serializedBlobRef) (BlobRef, error) {
    rk, err := fromSerializedResourceKey(s.ResourceKey)
    if err != nil {
        return BlobRef{}, err
    }
    if len(s.InnerHash) != InnerHashSize {
        return BlobRef{}, fmt.Errorf("model: inner hash is %d bytes (want %d)", len(s.InnerHash), InnerHashSize)
    }
    var h InnerHash
    copy(h[:], s.InnerHash)
    return BlobRef{ResourceKey: rk, InnerHash: h}, nil
}

type serializedRef struct {
    Kind           uint8  `cbor:"1,keyasint"`
    Direct         []byte `cbor:"2,keyasint,omitempty"`
    SymbolicName   string `cbor:"3,keyasint,omitempty"`
    SymbolicTarget []byte `cbor:"4,keyasint,omitempty"`
}

func toSerializedRef(r Ref) serializedRef {
    s := serializedRef{Kind: uint8(r.Kind)}
    switch r.Kind {
    case RefDirect:
        s.Direct = append([]byte(nil), r.Direct[:]...)
    case RefSymbolic:
        s.SymbolicName = r.SymbolicName
        if r.SymbolicTarget != nil {
            s.SymbolicTarget = append([]byte(nil), r.SymbolicTarget[:]...)
        }
    }
    return s
}

func fromSerializedRef(s serializedRef) (Ref, error) {
    switch RefKind(s.Kind) {
    case RefDirect:
        if len(s.Direct) != BackendOidSize {
            return Ref{}, fmt.Errorf("model: direct ref oid is %d bytes (want %d)", len(s.Direct), BackendOidSize)
        }
        var oid BackendOid
        copy(oid[:], s.Direct)
        return NewDirectRef(oid), nil
    case RefSymbolic:
        var target *BackendOid
        if len(s.SymbolicTarget) > 0 {
            if len(s.SymbolicTarget) != BackendOidSize {
                return Ref{}, fmt.Errorf("model: symbolic ref target is %d bytes (want %d)", len(s.SymbolicTarget), BackendOidSize)
            }
            var oid BackendOid
            copy(oid[:], s.SymbolicTarget)
            target = &oid
        }
        return NewSymbolicRef(s.SymbolicName, target), nil
    default:
        return Ref{}, fmt.Errorf("model: unknown ref kind %d", s.Kind)
    }
}

type serializedPackRef struct {
    BlobRef    serializedBlobRef `cbor:"1,keyasint"`
    RandomName []byte            `cbor:"2,keyasint"`
}

type serializedNamespace struct {
    Refs       map[string]serializedRef `cbor:"1,keyasint"`
    Pack       *serializedPackRef       `cbor:"2,keyasint,omitempty"`
    RandomName []byte                   `cbor:"3,keyasint"`
}

type serializedState struct {
    Namespaces map[string]serializedBlobRef `cbor:"1,keyasint"`
    Parents    []serializedBlobRef          `cbor:"2,keyasint"`
}

var canonicalMode = func() cbor.EncMode {
    m, err := cbor.CanonicalEncOptions().EncMode()
    if err != nil {
        panic(err) // options are a compile-time constant; cannot fail at runtime
    }
    return m
}()

// EncodeNamespace renders ns to its canonical byte form.
func EncodeNamespace(ns Namespace) ([]byte, error) {
    s := serializedNamespace{
        Refs:       map[string]serializedRef{},
        RandomName: append([]byte(nil), ns.RandomName[:]...),
    }
    for name, ref := range ns.Refs {
        s.Refs[name] = toSerializedRef(ref)
    }
    if ns.Pack != nil {
        pr := serializedPackRef{
            BlobRef:    toSerializedBlobRef(ns.Pack.BlobRef),
            RandomName: append([]byte(nil), ns.Pack.RandomName[:]...),
        }
        s.Pack = &pr
    }
    return canonicalMode.Marshal(s)
}

// DecodeNamespace is the inverse of EncodeNamespace.
func DecodeNamespace(data []byte) (Namespace, error) {
    var s serializedNamespace
    if err := cbor.Unmarshal(data, &s); err != nil {
        return Namespace{}, err
    }
    ns := Namespace{Refs: map[string]Ref{}}
    for name, sref := range s.Refs {
        r, err := fromSerializedRef(sref)
        if err != nil {
            return Namespace{}, err
        }
        ns.Refs[name] = r
    }
    if s.Pack != nil {
        br, err := fromSerializedBlobRef(s.Pack.BlobRef)
        if err != nil {
            return Namespace{}, err
        }
        if len(s.Pack.RandomName) != 20 {
            return Namespace{}, fmt.Errorf("model: pack random name is %d bytes (want 20)", len(s.Pack.RandomName))
        }
        pr := PackRef{BlobRef: br}
        copy(pr.RandomName[:], s.Pack.RandomName)
        ns.Pack = &pr
    }
    if len(s.RandomName) != 20 {
        return Namespace{}, fmt.Errorf("model: namespace random name is %d bytes (want 20)", len(s.RandomName))
    }
    copy(ns.RandomName[:], s.RandomName)
    return ns, nil
}

// EncodeState renders st to its canonical byte form. Parents must
// already be sorted (SortParents) — this is a precondition, not
// re-checked here, matching serialization.rs's TryFrom, which assumes
// its caller (persistence) maintains the invariant.
func EncodeState(st State) ([]byte, error) {
    s := serializedState{
        Namespaces: map[string]serializedBlobRef{},
        Parents:    make([]serializedBlobRef, len(st.Parents)),
    }
    for name, nref := range st.Namespaces {
        s.Namespaces[name] = toSerializedBlobRef(BlobRef(nref))
    }
    for i, p := range st.Parents {
        s.Parents[i] = toSerializedBlobRef(BlobRef(p))
    }
    return canonicalMode.Marshal(s)
}

// DecodeState is the inverse of EncodeState.
func DecodeState(data []byte) (State, error) {
    var s serializedState
    if err := cbor.Unmarshal(data, &s); err != nil {
        return State{}, err
    }
    st := State{Namespaces: map[string]NamespaceRef{}}
    for name, sref := range s.Namespaces {
        br, err := fromSerializedBlobRef(sref)
        if err != nil {
            return State{}, err
        }
        st.Namespaces[name] = NamespaceRef(br)
    }
    st.Parents = make([]StateRef, len(s.Parents))
    for i, sref := range s.Parents {
        br, err := fromSerializedBlobRef(sref)
        if err != nil {
            return State{}, err
        }
        st.Parents[i] = StateRef(br)
    }
    return st, nil
}

// SortParents sorts parents in place by their own serialized bytes
// (spec.md §3 invariant 2, §4.B), rejecting duplicates (by inner hash
// + resource key equality, i.e. by BlobRef.Equal) the way invariant 2
// requires. Call this before constructing a State to commit.
func SortParents(parents []StateRef) ([]StateRef, error) {
    type keyed struct {
        ref StateRef
        buf []byte
    }
    ks := make([]keyed, len(parents))
    for i, p := range parents {
        buf, err := canonicalMode.Marshal(toSerializedBlobRef(BlobRef(p)))
        if err != nil {
            return nil, err
        }
        ks[i] = keyed{p, buf}
    }
    sort.Slice(ks, func(i, j int) bool { return bytes.Compare(ks[i].buf, ks[j].buf) < 0 })
    out := make([]StateRef, len(ks))
    for i, k := range ks {
        if i > 0 && bytes.Equal(ks[i-1].buf, k.buf) {
            return nil, fmt.Errorf("model: duplicate parent state ref")
        }
        out[i] = k.ref
    }
    return out, nil
}
