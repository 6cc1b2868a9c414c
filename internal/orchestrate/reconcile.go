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
    "errors"
    "fmt"
    "strings"

    "lab.nexedi.com/kirr/recursive-remote/internal/codec"
    "lab.nexedi.com/kirr/recursive-remote/internal/gitx"
    "lab.nexedi.com/kirr/recursive-remote/internal/model"
    "lab.nexedi.com/kirr/recursive-remote/internal/persistence"
    "lab.nexedi.com/kirr/recursive-remote/internal/ratchet"
)

// ErrRatchet is spec.md §7's Ratchet error class: the remote's
// current tip is not reachable from our tracking state, so admitting
// it would silently discard history — grounded on update.rs's
// update_branches bailing out of ValidPathExists with a RatchetError.
var ErrRatchet = errors.New("orchestrate: remote state is not a valid continuation of the tracking state")

// Reconciled is the state a push or fetch cycle operates against,
// grounded on update.rs's update_branches return tuple (state,
// state_ref, basis_state, root_tree, commit_oid).
type Reconciled struct {
    StateRef  *model.StateRef
    State     model.State
    BasisRef  *model.StateRef
    BasisState *model.State
    RootTree  *gitx.Oid
    CommitOid *gitx.Oid
}

// Reconcile brings env.TrackingRef up to date with whatever env's
// remote currently advertises on env.RemoteRef, validating the
// ratchet before admitting it, grounded on update.rs's
// update_branches/update_pushing_branch/update_tracking_branch.
func Reconcile(env *Env) (*Reconciled, error) {
    if err := refreshPushingRef(env); err != nil {
        return nil, err
    }

    current, err := resolveStateAt(env, env.TrackingRef)
    if err != nil {
        return nil, err
    }
    future, err := resolveStateAt(env, env.PushingRef)
    if err != nil {
        return nil, err
    }
    basis, err := resolveStateAt(env, env.BasisRef)
    if err != nil {
        return nil, err
    }

    if current != nil && future != nil {
        ok, err := validRatchetPath(env, current.ref, future.ref)
        if err != nil {
            return nil, fmt.Errorf("orchestrate: ratchet check: %w", err)
        }
        if !ok {
            return nil, ErrRatchet
        }
    }

    result := &Reconciled{}
    switch {
    case future != nil:
        if err := env.Tracking.SetRef(env.TrackingRef, future.commit, true, "recursive-remote: advance tracking"); err != nil {
            return nil, fmt.Errorf("orchestrate: advance tracking ref: %w", err)
        }
        result.StateRef, result.State, result.CommitOid, result.RootTree = &future.ref, future.state, future.commit, future.tree
    case current != nil:
        result.StateRef, result.State, result.CommitOid, result.RootTree = &current.ref, current.state, current.commit, current.tree
    default:
        result.State = model.State{Namespaces: map[string]model.NamespaceRef{}}
    }

    if basis != nil {
        result.BasisRef, result.BasisState = &basis.ref, &basis.state
    }

    return result, nil
}

// refreshPushingRef force-fetches the remote's current tip into
// env.PushingRef, or drops a stale pushing ref if the remote branch no
// longer (or does not yet) exist, grounded on update.rs's
// update_pushing_branch.
func refreshPushingRef(env *Env) error {
    out, err := runGit(env.TrackingRepoPath, "ls-remote", env.RemoteURL, env.RemoteRef)
    if err != nil || strings.TrimSpace(out) == "" {
        env.Tracking.DeleteRef(env.PushingRef) //nolint:errcheck // absent ref is not an error here
        return nil
    }
    refspec := fmt.Sprintf("+%s:%s", env.RemoteRef, env.PushingRef)
    if _, err := runGit(env.TrackingRepoPath, "fetch", "--force", env.RemoteURL, refspec); err != nil {
        return fmt.Errorf("orchestrate: fetch remote tip into pushing ref: %w", err)
    }
    return nil
}

type resolvedState struct {
    ref    model.StateRef
    state  model.State
    commit *gitx.Oid
    tree   *gitx.Oid
}

// resolveStateAt decodes the State anchored at refName's commit, or
// reports (nil, nil) if refName does not exist yet — a tracking/
// pushing/basis ref is always optional until the first successful
// push, grounded on update.rs's resolve_state_ref.
func resolveStateAt(env *Env, refName string) (*resolvedState, error) {
    commitOid, err := env.Tracking.LookupRef(refName)
    if err != nil {
        return nil, nil
    }
    state, ref, err := persistence.ReadStateUnverified(env.Tracking, commitOid, env.StateKey)
    if err != nil {
        return nil, fmt.Errorf("orchestrate: decode state at %q: %w", refName, err)
    }
    tree, err := env.Tracking.CommitTree(commitOid)
    if err != nil {
        return nil, fmt.Errorf("orchestrate: resolve tree at %q: %w", refName, err)
    }
    return &resolvedState{ref: ref, state: state, commit: commitOid, tree: tree}, nil
}

// validRatchetPath wires internal/ratchet.ValidPathExists to this
// environment's tracking repository, swallowing only the codec's
// integrity-class failure (hash mismatch) as a dead end the ratchet is
// explicitly meant to skip over; every other decode failure (wrong
// key, malformed record, I/O error) is fatal and propagates, matching
// original_source/update.rs's valid_path_exists, which downcasts
// specifically to HashError and re-raises everything else (spec.md
// §4.D.1, §7).
func validRatchetPath(env *Env, current, future model.StateRef) (bool, error) {
    decode := func(ref model.StateRef) (model.State, error) {
        st, err := persistence.ReadState(env.Tracking, ref, env.StateKey)
        if err != nil {
            var mismatch *codec.HashMismatchError
            if errors.As(err, &mismatch) {
                return model.State{}, &ratchet.ErrIntegrity{Err: err}
            }
            return model.State{}, err
        }
        return st, nil
    }
    return ratchet.ValidPathExists(decode, current, future)
}
