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
    "testing"
)

func TestParsePushSpecPlain(t *testing.T) {
    spec, err := ParsePushSpec("refs/heads/main:refs/heads/main")
    if err != nil {
        t.Fatalf("parse: %v", err)
    }
    if spec.Src != "refs/heads/main" || spec.Dst != "refs/heads/main" || spec.Force {
        t.Fatalf("unexpected spec: %+v", spec)
    }
    if spec.IsDelete() {
        t.Fatalf("non-empty source should not be a delete")
    }
}

func TestParsePushSpecForce(t *testing.T) {
    spec, err := ParsePushSpec("+refs/heads/topic:refs/heads/topic")
    if err != nil {
        t.Fatalf("parse: %v", err)
    }
    if !spec.Force {
        t.Fatalf("expected force to be set from leading '+'")
    }
}

func TestParsePushSpecDelete(t *testing.T) {
    spec, err := ParsePushSpec("+:refs/heads/gone")
    if err != nil {
        t.Fatalf("parse: %v", err)
    }
    if !spec.IsDelete() {
        t.Fatalf("empty source should be a delete")
    }
    if !spec.Force {
        t.Fatalf("delete spec carried a leading '+' and should be force")
    }
}

func TestParsePushSpecMalformed(t *testing.T) {
    for _, bad := range []string{"", "norefs", "a:b:c"} {
        if _, err := ParsePushSpec(bad); err == nil {
            t.Fatalf("expected %q to be rejected", bad)
        }
    }
}

func TestIsNonFastForwardClassification(t *testing.T) {
    cases := []struct {
        msg   string
        retry bool
    }{
        {"! [rejected] main -> main (non-fast-forward)", true},
        {"error: failed to push some refs (fetch first)", true},
        {"remote ref update rejected: stale info", true},
        {"permission denied (publickey)", false},
    }
    for _, c := range cases {
        got := isNonFastForward(errors.New(c.msg))
        if got != c.retry {
            t.Fatalf("isNonFastForward(%q) = %v, want %v", c.msg, got, c.retry)
        }
    }
}
