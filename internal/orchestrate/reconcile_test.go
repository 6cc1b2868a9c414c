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

    "lab.nexedi.com/kirr/recursive-remote/internal/gitx"
)

func newTestEnv(t *testing.T, remoteName string) *Env {
    t.Helper()
    tracking, err := gitx.OpenOrInitBare(t.TempDir())
    if err != nil {
        t.Fatalf("init tracking repo: %v", err)
    }
    allObjectsEver, err := gitx.OpenOrInitBare(t.TempDir())
    if err != nil {
        t.Fatalf("init objects-ever repo: %v", err)
    }
    return &Env{
        RemoteName:             remoteName,
        RemoteURL:              "file:///does/not/exist.git",
        RemoteRef:              "refs/heads/main",
        TrackingRef:            "refs/heads/" + remoteName + "/tracking",
        PushingRef:             "refs/heads/" + remoteName + "/push",
        BasisRef:               "refs/heads/" + remoteName + "/default_basis",
        Namespace:              "",
        MaxObjectSize:          20 * 1024 * 1024,
        TrackingRepoPath:       tracking.Path(),
        AllObjectsEverRepoPath: allObjectsEver.Path(),
        Tracking:               tracking,
        AllObjectsEver:         allObjectsEver,
    }
}

func TestReconcileWithNothingPushedYet(t *testing.T) {
    env := newTestEnv(t, "origin")

    reconciled, err := Reconcile(env)
    if err != nil {
        t.Fatalf("reconcile: %v", err)
    }
    if reconciled.StateRef != nil {
        t.Fatalf("expected no tracking state before any push, got %+v", reconciled.StateRef)
    }
    if len(reconciled.State.Namespaces) != 0 {
        t.Fatalf("expected an empty state, got %+v", reconciled.State)
    }
    if reconciled.BasisRef != nil {
        t.Fatalf("expected no basis ref before any fetch")
    }
}
