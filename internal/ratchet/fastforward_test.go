package ratchet

import (
    "testing"

    "lab.nexedi.com/kirr/recursive-remote/internal/gitx"
    "lab.nexedi.com/kirr/recursive-remote/internal/model"
)

func directRef(b byte) model.Ref {
    var oid model.BackendOid
    oid[0] = b
    return model.NewDirectRef(oid)
}

func allCommits(*gitx.Oid) (gitx.ObjectType, error) { return gitx.ObjectCommit, nil }

func TestCanFastForwardIdenticalAlwaysAdmits(t *testing.T) {
    ref := directRef(1)
    ok, err := CanFastForward(func(*gitx.Oid, *gitx.Oid) (bool, error) {
        t.Fatalf("descendant check should not run for an unchanged ref")
        return false, nil
    }, allCommits, "refs/heads/main", ref, ref)
    if err != nil || !ok {
        t.Fatalf("expected identical ref to admit, got ok=%v err=%v", ok, err)
    }
}

func TestCanFastForwardSymbolicNeverAdmitsWithoutForce(t *testing.T) {
    current := model.NewSymbolicRef("refs/heads/main", nil)
    future := directRef(2)
    ok, err := CanFastForward(func(*gitx.Oid, *gitx.Oid) (bool, error) { return true, nil }, allCommits, "HEAD", current, future)
    if err != nil || ok {
        t.Fatalf("expected symbolic ref change to be rejected, got ok=%v err=%v", ok, err)
    }
}

func TestCanFastForwardTagsRequireForce(t *testing.T) {
    current := directRef(1)
    future := directRef(2)
    ok, err := CanFastForward(func(*gitx.Oid, *gitx.Oid) (bool, error) { return true, nil }, allCommits, "refs/tags/v1.0", current, future)
    if err != nil || ok {
        t.Fatalf("expected tag move to require force even when fast-forward, got ok=%v err=%v", ok, err)
    }
}

func TestCanFastForwardDelegatesToDescendantCheck(t *testing.T) {
    current := directRef(1)
    future := directRef(2)

    called := false
    isDescendant := func(commit, ancestor *gitx.Oid) (bool, error) {
        called = true
        if commit[0] != 2 || ancestor[0] != 1 {
            t.Fatalf("unexpected oids passed to descendant check: %x %x", commit[:1], ancestor[:1])
        }
        return true, nil
    }

    ok, err := CanFastForward(isDescendant, allCommits, "refs/heads/main", current, future)
    if err != nil || !ok || !called {
        t.Fatalf("expected fast-forward to admit via descendant check, got ok=%v err=%v called=%v", ok, err, called)
    }
}

func TestCanFastForwardRejectsNonDescendant(t *testing.T) {
    current := directRef(1)
    future := directRef(2)
    ok, err := CanFastForward(func(*gitx.Oid, *gitx.Oid) (bool, error) { return false, nil }, allCommits, "refs/heads/main", current, future)
    if err != nil || ok {
        t.Fatalf("expected non-fast-forward move to be rejected, got ok=%v err=%v", ok, err)
    }
}

func TestCanFastForwardRejectsNonCommitObjects(t *testing.T) {
    current := directRef(1)
    future := directRef(2)

    typeOf := func(oid *gitx.Oid) (gitx.ObjectType, error) {
        if oid[0] == 2 {
            return gitx.ObjectTree, nil
        }
        return gitx.ObjectCommit, nil
    }
    descendantCalled := false
    isDescendant := func(*gitx.Oid, *gitx.Oid) (bool, error) {
        descendantCalled = true
        return true, nil
    }

    ok, err := CanFastForward(isDescendant, typeOf, "refs/heads/main", current, future)
    if err != nil || ok {
        t.Fatalf("expected a non-commit future object to be rejected, got ok=%v err=%v", ok, err)
    }
    if descendantCalled {
        t.Fatalf("descendant check should not run once either side fails the commit-kind gate")
    }
}
