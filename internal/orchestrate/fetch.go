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
    "fmt"
    "strings"
    "time"

    "github.com/google/uuid"

    "lab.nexedi.com/kirr/recursive-remote/internal/codec"
    "lab.nexedi.com/kirr/recursive-remote/internal/gitx"
    "lab.nexedi.com/kirr/recursive-remote/internal/model"
    "lab.nexedi.com/kirr/recursive-remote/internal/persistence"
)

// reachabilityCompactThreshold bounds how many rev<oid> anchor refs
// (left by push's copyIntoObjectsEver) accumulate in the
// all-objects-ever store before they are collapsed,
// grounded on cmd_fetch.rs's compact_ref_reachability.
const reachabilityCompactThreshold = 50

// Fetch brings the requested revs into the user repository: it
// decodes every backend pack between the basis and the reconciled
// tip (oldest first, since later packs are thin against earlier
// ones), then fetches each requested oid out of the now-complete
// all-objects-ever store, grounded on cmd_fetch.rs's fetch.
func Fetch(env *Env, reconciled *Reconciled, revs []string) error {
    if reconciled.StateRef != nil {
        packs, err := materializeOrderedPackList(env, *reconciled.StateRef, reconciled.BasisRef)
        if err != nil {
            return err
        }
        for _, pack := range packs {
            if err := fetchPack(env, pack); err != nil {
                return err
            }
            packsDecodedTotal.Inc()
        }
    }

    if err := fetchRevs(env, revs); err != nil {
        return err
    }

    if reconciled.CommitOid != nil {
        if err := env.Tracking.SetRef(env.BasisRef, reconciled.CommitOid, true, "recursive-remote: advance basis"); err != nil {
            return fmt.Errorf("orchestrate: advance basis ref: %w", err)
        }
    }

    return compactRefReachability(env)
}

// materializeOrderedPackList walks tip's State.Parents chain,
// collecting env.Namespace's pack from every state visited, stopping
// at (and excluding) basis — grounded on cmd_fetch.rs's
// materialize_ordered_pack_list. The DFS stack visits newest states
// first; the returned list is reversed so a thin pack's base is
// always decoded before the pack that depends on it.
func materializeOrderedPackList(env *Env, tip model.StateRef, basis *model.StateRef) ([]*model.PackRef, error) {
    var packs []*model.PackRef
    stack := []model.StateRef{tip}
    visited := map[string]bool{}

    for len(stack) > 0 {
        n := len(stack) - 1
        cur := stack[n]
        stack = stack[:n]

        key := stateRefKey(cur)
        if visited[key] {
            continue
        }
        visited[key] = true

        if basis != nil && model.BlobRef(cur).Equal(model.BlobRef(*basis)) {
            continue
        }

        st, err := persistence.ReadState(env.Tracking, cur, env.StateKey)
        if err != nil {
            return nil, fmt.Errorf("orchestrate: decode state while materializing pack list: %w", err)
        }
        if nsRef, ok := st.Namespaces[env.Namespace]; ok {
            ns, err := persistence.ReadNamespace(env.Tracking, nsRef, env.NamespaceKey)
            if err != nil {
                return nil, fmt.Errorf("orchestrate: decode namespace while materializing pack list: %w", err)
            }
            if ns.Pack != nil {
                packs = append(packs, ns.Pack)
            }
        }
        stack = append(stack, st.Parents...)
    }

    for i, j := 0, len(packs)-1; i < j; i, j = i+1, j-1 {
        packs[i], packs[j] = packs[j], packs[i]
    }
    return packs, nil
}

func stateRefKey(ref model.StateRef) string {
    var b strings.Builder
    fmt.Fprintf(&b, "%d:", ref.ResourceKey.Kind)
    for _, oid := range ref.ResourceKey.Backend {
        fmt.Fprintf(&b, "%x,", oid[:])
    }
    fmt.Fprintf(&b, ":%x", ref.InnerHash[:])
    return b.String()
}

// fetchPack decodes one backend pack straight into a `git index-pack
// --fix-thin --stdin --keep` subprocess running against the
// all-objects-ever store, grounded on cmd_fetch.rs's fetch_pack. An
// index-pack failure over a zero-byte decoded stream is not an error
// (spec.md §4.E.2 "an empty pack is a legitimate no-op, not a fault"):
// index-pack rejects a completely empty input, but nothing was lost.
func fetchPack(env *Env, pack *model.PackRef) error {
    proc, err := startPiped(env.AllObjectsEverRepoPath, "index-pack", "--fix-thin", "--stdin", "--keep")
    if err != nil {
        return fmt.Errorf("orchestrate: start index-pack: %w", err)
    }

    size, decErr := codec.Decode(pack.BlobRef, env.NamespaceKey, blobReaderFor(env.Tracking), proc.stdin)
    closeErr := proc.stdin.Close()
    waitErr := proc.wait()

    if waitErr != nil {
        if size == 0 {
            return nil
        }
        return fmt.Errorf("orchestrate: index-pack: %w", waitErr)
    }
    if decErr != nil {
        return fmt.Errorf("orchestrate: decode pack: %w", decErr)
    }
    if closeErr != nil {
        return fmt.Errorf("orchestrate: close index-pack stdin: %w", closeErr)
    }
    return nil
}

func blobReaderFor(repo *gitx.Repository) codec.BlobReader {
    return func(oid model.BackendOid) ([]byte, error) {
        var o gitx.Oid
        copy(o[:], oid[:])
        data, _, err := repo.ReadOid(&o)
        return data, err
    }
}

// fetchRevs anchors each requested oid under a throwaway ref in the
// all-objects-ever store (now complete, after fetchPack has run) and
// native-fetches it into the user repository, grounded on
// cmd_fetch.rs's parse_fetch_revs / delete_refs_glob cleanup.
func fetchRevs(env *Env, revs []string) error {
    for _, rev := range revs {
        tmpRef := fmt.Sprintf("refs/recursive-remote/%s/tmp/%s", env.RemoteName, uuid.NewString())
        if _, err := runGit(env.AllObjectsEverRepoPath, "update-ref", tmpRef, rev); err != nil {
            return fmt.Errorf("orchestrate: anchor fetch target %s: %w", rev, err)
        }
        _, fetchErr := runGit(env.UserRepoPath, "fetch", env.AllObjectsEverRepoPath, tmpRef)
        runGit(env.AllObjectsEverRepoPath, "update-ref", "-d", tmpRef) //nolint:errcheck
        if fetchErr != nil {
            return fmt.Errorf("orchestrate: fetch %s into user repository: %w", rev, fetchErr)
        }
    }
    return nil
}

// compactRefReachability collapses the all-objects-ever store's
// accumulated refs/heads/<remote>/rev* anchor refs (created by push's
// copyIntoObjectsEver) into one octopus-style commit
// once there are more than reachabilityCompactThreshold of them,
// grounded on cmd_fetch.rs's compact_ref_reachability — git's own ref
// storage degrades long before the object count does, so the anchors
// themselves need periodic consolidation.
func compactRefReachability(env *Env) error {
    glob := fmt.Sprintf("refs/heads/%s/rev*", env.RemoteName)
    names, err := env.AllObjectsEver.ForEachRefGlob(glob)
    if err != nil {
        return fmt.Errorf("orchestrate: list reachability anchors: %w", err)
    }
    if len(names) <= reachabilityCompactThreshold {
        return nil
    }

    oids := make([]*gitx.Oid, 0, len(names))
    for _, name := range names {
        oid, err := env.AllObjectsEver.LookupRef(name)
        if err != nil {
            continue
        }
        oids = append(oids, oid)
    }
    emptyTree, err := env.AllObjectsEver.BuildTree(nil)
    if err != nil {
        return fmt.Errorf("orchestrate: build empty compaction tree: %w", err)
    }
    sig := persistence.Signature(time.Now())
    anchorRef := fmt.Sprintf("refs/heads/%s/compacted", env.RemoteName)
    if _, err := env.AllObjectsEver.CreateCommit(anchorRef, sig, sig, persistence.CommitMessage, emptyTree, oids...); err != nil {
        return fmt.Errorf("orchestrate: compact reachability anchors: %w", err)
    }
    for _, name := range names {
        env.AllObjectsEver.DeleteRef(name) //nolint:errcheck
    }
    reachabilityCompactionsTotal.Inc()
    return nil
}
