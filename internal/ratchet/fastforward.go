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

package ratchet

import (
    "strings"

    "lab.nexedi.com/kirr/recursive-remote/internal/gitx"
    "lab.nexedi.com/kirr/recursive-remote/internal/model"
)

// DescendantChecker reports whether commit is a descendant of (or
// equal to) ancestor in the backend commit DAG.
type DescendantChecker func(commit, ancestor *gitx.Oid) (bool, error)

// ObjectTyper looks up an oid's backend object type, used to gate
// CanFastForward on both sides actually being commits.
type ObjectTyper func(oid *gitx.Oid) (gitx.ObjectType, error)

// CanFastForward decides whether one ref may move from current to
// future without --force, grounded on persistence.rs's
// can_fast_forward:
//
//   - identical refs always admit (no-op push)
//   - a tag-prefixed ref that already exists never admits without force
//     (tags are meant to be immutable pins, not moving targets)
//   - a symbolic ref on either side never admits without force (this
//     system captures symbolic refs as a point-in-time snapshot,
//     spec.md §3 invariant 3 — advancing one silently would silently
//     change what the symlink resolves to for every other reader)
//   - if either side's backend object is not of commit kind, reject
//     (spec.md §4.D.2: "look up both objects in the backend cache; if
//     either is not of commit kind, reject")
//   - otherwise two direct refs admit iff future is a descendant of
//     (or equal to) current in the backend commit DAG
func CanFastForward(isDescendant DescendantChecker, typeOf ObjectTyper, refName string, current, future model.Ref) (bool, error) {
    if current.ShallowEqual(future) {
        return true, nil
    }

    if current.Kind == model.RefSymbolic || future.Kind == model.RefSymbolic {
        return false, nil
    }

    if strings.HasPrefix(refName, "refs/tags/") {
        return false, nil
    }

    var futureOid, currentOid gitx.Oid
    copy(futureOid[:], future.Direct[:])
    copy(currentOid[:], current.Direct[:])

    for _, oid := range []*gitx.Oid{&currentOid, &futureOid} {
        ot, err := typeOf(oid)
        if err != nil {
            return false, err
        }
        if ot != gitx.ObjectCommit {
            return false, nil
        }
    }

    return isDescendant(&futureOid, &currentOid)
}
