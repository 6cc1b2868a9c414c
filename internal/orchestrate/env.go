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

// Package orchestrate implements spec.md §4.E: the remote-helper
// push/fetch algorithms that sit on top of internal/persistence and
// internal/ratchet, grounded on original_source/update.rs,
// persistence.rs, cmd_push.rs and cmd_fetch.rs.
//
// This package cannot import package main's Config (that would be an
// import cycle, since main constructs and drives an orchestrate.Env),
// so Env is its own small copy of the fields a push/fetch cycle needs;
// main.go is responsible for keeping the two in sync.
package orchestrate

import (
    "lab.nexedi.com/kirr/recursive-remote/internal/codec"
    "lab.nexedi.com/kirr/recursive-remote/internal/gitx"
)

// Env bundles one remote's configuration and already-open backend
// repositories, grounded on config.rs's Config plus main.rs's
// initialize_state_repo (which is what actually opens the backend
// stores; this port opens two, tracking and all-objects-ever, and this
// struct carries handles to both).
type Env struct {
    RemoteName string
    RemoteURL  string
    RemoteRef  string

    TrackingRef string
    PushingRef  string
    BasisRef    string
    Namespace   string

    MaxObjectSize int
    ShallowBasis  []string

    StateKey     codec.Key
    NamespaceKey codec.Key

    UserRepoPath           string
    TrackingRepoPath       string
    AllObjectsEverRepoPath string

    Tracking       *gitx.Repository
    AllObjectsEver *gitx.Repository
}
