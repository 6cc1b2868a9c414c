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
    "time"

    "lab.nexedi.com/kirr/recursive-remote/internal/gitx"
)

// Signature is the fixed committer/author identity every synthetic
// backend commit carries, grounded on util.rs's rr_signature — these
// commits are never user-visible, so there is no reason for them to
// impersonate the pushing user.
func Signature(now time.Time) gitx.Signature {
    return gitx.Signature{
        Name:  "Recursive Remote Default",
        Email: "recursive-remote@example.com",
        When:  now,
    }
}

// CommitMessage is the fixed, opaque commit message every backend
// commit carries (spec.md §4.C: "message is opaque").
const CommitMessage = "recursive-remote state update"

// CommitState authors a new backend commit over rootTree with exactly
// one parent (the previous commit on refName, if any), and advances
// refName to it — spec.md §4.C: "Every commit has exactly one backend
// parent... supplied purely for backend reachability".
func CommitState(repo *gitx.Repository, refName string, rootTree *gitx.Oid, parentCommit *gitx.Oid, now time.Time) (*gitx.Oid, error) {
    sig := Signature(now)
    var parents []*gitx.Oid
    if parentCommit != nil {
        parents = append(parents, parentCommit)
    }
    oid, err := repo.CreateCommit(refName, sig, sig, CommitMessage, rootTree, parents...)
    if err != nil {
        return nil, err
    }
    return oid, nil
}
