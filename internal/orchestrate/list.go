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

    "lab.nexedi.com/kirr/recursive-remote/internal/model"
    "lab.nexedi.com/kirr/recursive-remote/internal/persistence"
)

// ListRefs decodes env.Namespace's refs out of reconciled.State for
// the git remote-helper "list" command, grounded on main.rs's
// git_special_remote_main list branch.
func ListRefs(env *Env, reconciled *Reconciled) (map[string]model.Ref, error) {
    nsRef, ok := reconciled.State.Namespaces[env.Namespace]
    if !ok {
        return map[string]model.Ref{}, nil
    }
    ns, err := persistence.ReadNamespace(env.Tracking, nsRef, env.NamespaceKey)
    if err != nil {
        return nil, fmt.Errorf("orchestrate: decode namespace for list: %w", err)
    }
    return ns.Refs, nil
}
