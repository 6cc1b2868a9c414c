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

// Package ratchet implements spec.md §4.D: the inner-hash fast-forward
// admissibility check over the State DAG ("ratchet"), and the per-ref
// fast-forward admissibility check over the backend commit DAG,
// grounded on original_source/update.rs (valid_path_exists) and
// persistence.rs (can_fast_forward).
package ratchet

import (
    "fmt"
    "strings"

    "lab.nexedi.com/kirr/recursive-remote/internal/model"
)

// StateDecoder fetches and decodes the State named by ref. Decode
// errors the walk should skip are reported wrapped in ErrIntegrity so
// ValidPathExists can treat them as a dead end rather than a fatal
// error; orchestrate's validRatchetPath wraps only an inner-hash
// mismatch this way. Any other error ends the walk. The original's
// equivalent gate is a HashError downcast.
type StateDecoder func(ref model.StateRef) (model.State, error)

// ErrIntegrity marks a StateDecoder failure the ratchet walk should
// swallow rather than propagate, matching update.rs's HashError
// downcast branch.
type ErrIntegrity struct {
    Err error
}

func (e *ErrIntegrity) Error() string { return e.Err.Error() }
func (e *ErrIntegrity) Unwrap() error { return e.Err }

// stateKey makes a State addressable in the visited set: its own
// serialized BlobRef bytes would require re-encoding, so this keys on
// (resource key kind/backend oids, inner hash) directly, which is
// exactly what BlobRef.Equal compares.
func stateKey(ref model.StateRef) string {
    var b strings.Builder
    fmt.Fprintf(&b, "%d:", ref.ResourceKey.Kind)
    for _, oid := range ref.ResourceKey.Backend {
        fmt.Fprintf(&b, "%x,", oid[:])
    }
    fmt.Fprintf(&b, ":%x", ref.InnerHash[:])
    return b.String()
}

// ValidPathExists reports whether current is reachable from future by
// walking future's parent chain (a state is trivially reachable from
// itself). The walk is permissive: a parent link that fails to decode
// for integrity reasons is treated as a dead end to skip, not a fatal
// error, so that history can be rewritten/compacted without breaking
// older pushers still walking toward a pruned ancestor. A visited set
// keyed on each state's own BlobRef bounds the walk against cycles —
// SPEC_FULL.md §D.1 (the original has no bound here since its own
// state graph is acyclic by construction; this port does not trust
// that invariant blindly).
func ValidPathExists(decode StateDecoder, current, future model.StateRef) (bool, error) {
    if model.BlobRef(current).Equal(model.BlobRef(future)) {
        return true, nil
    }

    stack := []model.StateRef{future}
    visited := map[string]bool{}

    for len(stack) > 0 {
        n := len(stack) - 1
        traverse := stack[n]
        stack = stack[:n]

        key := stateKey(traverse)
        if visited[key] {
            continue
        }
        visited[key] = true

        state, err := decode(traverse)
        if err != nil {
            var integrity *ErrIntegrity
            if asIntegrity(err, &integrity) {
                continue
            }
            return false, fmt.Errorf("ratchet: traverse state history: %w", err)
        }

        for _, parent := range state.Parents {
            if model.BlobRef(parent).Equal(model.BlobRef(current)) {
                return true, nil
            }
        }
        stack = append(stack, state.Parents...)
    }

    return false, nil
}

func asIntegrity(err error, target **ErrIntegrity) bool {
    for err != nil {
        if e, ok := err.(*ErrIntegrity); ok {
            *target = e
            return true
        }
        u, ok := err.(interface{ Unwrap() error })
        if !ok {
            return false
        }
        err = u.Unwrap()
    }
    return false
}
