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

import "lab.nexedi.com/kirr/recursive-remote/internal/model"

// UpdateStateWithPush returns a copy of state with namespace's freshly
// encoded ref installed under namespaceName and parent set to
// parentState (nil for "this state has no parent", i.e. the very
// first commit for a namespace-less-yet tracking ref), grounded on
// persistence.rs's update_state_with_push.
func UpdateStateWithPush(state model.State, namespaceName string, namespaceRef model.NamespaceRef, parentState *model.StateRef) model.State {
    future := model.State{Namespaces: map[string]model.NamespaceRef{}}
    for k, v := range state.Namespaces {
        future.Namespaces[k] = v
    }
    future.Namespaces[namespaceName] = namespaceRef
    if parentState != nil {
        future.Parents = []model.StateRef{*parentState}
    }
    return future
}

// ApplyAdmittedRefUpdates performs the non-fast-forward half of
// persistence.rs's update_namespace_with_push: given refs already
// classified admitted/rejected by internal/ratchet, fold them (and any
// force-pushed refs, which bypass admission) into a new Namespace.
func ApplyAdmittedRefUpdates(namespace model.Namespace, admitted map[string]model.Ref, forced map[string]*model.Ref) model.Namespace {
    future := model.Namespace{
        Refs:       map[string]model.Ref{},
        RandomName: namespace.RandomName,
        Pack:       namespace.Pack,
    }
    for k, v := range namespace.Refs {
        future.Refs[k] = v
    }
    for name, ref := range admitted {
        future.Refs[name] = ref
    }
    for name, ref := range forced {
        if ref == nil {
            delete(future.Refs, name)
        } else {
            future.Refs[name] = *ref
        }
    }
    return future
}

// SetNamespacePack installs (or clears, if pack is nil) the
// namespace's pack reference, returning the updated namespace. Pack
// blob encoding itself happens in EncodePackStream; this just wires
// the result into the namespace value the caller will persist.
func SetNamespacePack(namespace model.Namespace, pack *model.PackRef) model.Namespace {
    future := namespace
    future.Pack = pack
    return future
}
