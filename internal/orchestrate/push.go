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
    "bytes"
    "crypto/rand"
    "encoding/hex"
    "fmt"
    "io"
    "strings"
    "time"

    "github.com/cenkalti/backoff/v4"
    "github.com/google/uuid"

    "lab.nexedi.com/kirr/recursive-remote/internal/gitx"
    "lab.nexedi.com/kirr/recursive-remote/internal/model"
    "lab.nexedi.com/kirr/recursive-remote/internal/persistence"
    "lab.nexedi.com/kirr/recursive-remote/internal/ratchet"
)

// maxPushAttempts bounds the optimistic-concurrency retry loop,
// grounded on cmd_push.rs's push (a hardcoded 25-attempt ceiling
// before giving up and reporting every remaining ref rejected).
const maxPushAttempts = 25

// PushSpec is one "push <spec>" line's parsed refspec, grounded on
// cmd_push.rs's parse_push_specs: a leading '+' or an empty source
// both mean "do not require a fast-forward", the former because the
// user said so, the latter because an empty source is a deletion.
type PushSpec struct {
    Src   string
    Dst   string
    Force bool
}

func (s PushSpec) IsDelete() bool { return s.Src == "" }

// ParsePushSpec parses one git remote-helper "push" refspec argument
// (e.g. "+refs/heads/main:refs/heads/main" or ":refs/heads/gone").
func ParsePushSpec(spec string) (PushSpec, error) {
    force := strings.HasPrefix(spec, "+")
    spec = strings.TrimPrefix(spec, "+")
    parts := strings.Split(spec, ":")
    if len(parts) != 2 || parts[1] == "" {
        return PushSpec{}, fmt.Errorf("orchestrate: malformed push spec %q", spec)
    }
    return PushSpec{Src: parts[0], Dst: parts[1], Force: force || parts[0] == ""}, nil
}

// PushOutcome is one ref's "ok"/"error" report line, grounded on
// cmd_push.rs's push printing "ok <dst>" / "error <dst> <reason>" to
// stdout per the git remote-helper protocol.
type PushOutcome struct {
    Dst    string
    OK     bool
    Reason string
}

// Push drives the full optimistic-concurrency push loop: reconcile,
// attempt, and on a losing race against a concurrent pusher retry from
// a fresh reconcile, up to maxPushAttempts times — grounded on
// cmd_push.rs's push/classify_failed_push_for_retry.
func Push(env *Env, specs []PushSpec) ([]PushOutcome, error) {
    var outcomes []PushOutcome
    var lastErr error

    policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(0), maxPushAttempts-1)
    attempt := 0
    err := backoff.Retry(func() error {
        attempt++
        pushAttemptsTotal.Inc()

        reconciled, err := Reconcile(env)
        if err != nil {
            lastErr = err
            return backoff.Permanent(err)
        }

        result, retry, err := attemptPush(env, reconciled, specs)
        if err != nil {
            lastErr = err
            return backoff.Permanent(err)
        }
        if retry {
            pushRetriesTotal.Inc()
            lastErr = fmt.Errorf("orchestrate: lost race to a concurrent pusher")
            return lastErr
        }
        outcomes = result
        return nil
    }, policy)
    if err != nil {
        if outcomes == nil {
            // Every attempt either errored fatally or kept losing the
            // race; report every requested ref as rejected rather than
            // silently dropping the push.
            for _, s := range specs {
                outcomes = append(outcomes, PushOutcome{Dst: s.Dst, OK: false, Reason: "rejected: " + errString(lastErr)})
            }
        }
        return outcomes, nil
    }
    return outcomes, nil
}

func errString(err error) string {
    if err == nil {
        return "unknown error"
    }
    return err.Error()
}

// attemptPush is exactly one push attempt against the state
// `reconciled` resolved, grounded on cmd_push.rs's attempt_push /
// persistence.rs's update_namespace_with_push.
func attemptPush(env *Env, reconciled *Reconciled, specs []PushSpec) ([]PushOutcome, bool, error) {
    currentNamespaceRef, hasNamespace := reconciled.State.Namespaces[env.Namespace]
    var currentNamespace model.Namespace
    if hasNamespace {
        ns, err := persistence.ReadNamespace(env.Tracking, currentNamespaceRef, env.NamespaceKey)
        if err != nil {
            return nil, false, fmt.Errorf("orchestrate: decode current namespace: %w", err)
        }
        currentNamespace = ns
    } else {
        currentNamespace = model.Namespace{Refs: map[string]model.Ref{}}
        if _, err := rand.Read(currentNamespace.RandomName[:]); err != nil {
            return nil, false, fmt.Errorf("orchestrate: generate namespace identity: %w", err)
        }
    }

    outcomes := make([]PushOutcome, 0, len(specs))
    admitted := map[string]model.Ref{}
    forced := map[string]*model.Ref{}
    var stageOids []model.BackendOid

    for _, spec := range specs {
        if spec.IsDelete() {
            if !spec.Force {
                outcomes = append(outcomes, PushOutcome{Dst: spec.Dst, OK: false, Reason: "rejected: delete without force"})
                continue
            }
            forced[spec.Dst] = nil
            outcomes = append(outcomes, PushOutcome{Dst: spec.Dst, OK: true})
            continue
        }

        future, err := resolveUserRef(env, spec.Src)
        if err != nil {
            outcomes = append(outcomes, PushOutcome{Dst: spec.Dst, OK: false, Reason: errString(err)})
            continue
        }

        current, hasCurrent := currentNamespace.Refs[spec.Dst]
        admit := true
        if spec.Force {
            forced[spec.Dst] = &future
        } else if hasCurrent {
            admit, err = admitRefUpdate(env, spec.Dst, current, future)
            if err != nil {
                return nil, false, fmt.Errorf("orchestrate: fast-forward check for %q: %w", spec.Dst, err)
            }
            if !admit {
                outcomes = append(outcomes, PushOutcome{Dst: spec.Dst, OK: false, Reason: "rejected: not a fast-forward"})
                continue
            }
            admitted[spec.Dst] = future
        } else {
            admitted[spec.Dst] = future
        }

        if err := copyIntoObjectsEver(env, future.Direct); err != nil {
            return nil, false, err
        }
        stageOids = append(stageOids, future.Direct)
        outcomes = append(outcomes, PushOutcome{Dst: spec.Dst, OK: true})
    }

    if len(admitted) == 0 && len(forced) == 0 {
        return outcomes, false, nil
    }

    excludeOids := shallowBasisOids(env)
    for _, ref := range currentNamespace.Refs {
        if ref.Kind == model.RefDirect {
            excludeOids = append(excludeOids, ref.Direct)
        }
    }

    packRef, err := buildAndEncodePack(env, stageOids, excludeOids)
    if err != nil {
        return nil, false, err
    }

    futureNamespace := persistence.ApplyAdmittedRefUpdates(currentNamespace, admitted, forced)
    futureNamespace = persistence.SetNamespacePack(futureNamespace, packRef)

    nsRef, nsOids, err := persistence.EncodeAndWriteNamespace(env.Tracking, futureNamespace, env.NamespaceKey, env.MaxObjectSize)
    if err != nil {
        return nil, false, fmt.Errorf("orchestrate: encode namespace: %w", err)
    }

    futureState := persistence.UpdateStateWithPush(reconciled.State, env.Namespace, nsRef, reconciled.StateRef)
    _, stOids, err := persistence.EncodeAndWriteState(env.Tracking, futureState, env.StateKey, env.MaxObjectSize)
    if err != nil {
        return nil, false, fmt.Errorf("orchestrate: encode state: %w", err)
    }

    metadataRandomName, err := freshRandomName()
    if err != nil {
        return nil, false, err
    }
    stateRandomName, err := freshRandomName()
    if err != nil {
        return nil, false, err
    }

    touched := map[string]persistence.NamespaceWrite{
        env.Namespace: {Namespace: futureNamespace, NamespaceRef: nsRef, EncodedOids: nsOids, MetadataRandomName: metadataRandomName},
    }
    rootTree, err := persistence.CreateCommitTree(env.Tracking, reconciled.RootTree, touched, stOids, stateRandomName)
    if err != nil {
        return nil, false, fmt.Errorf("orchestrate: build commit tree: %w", err)
    }
    commitOid, err := persistence.CommitState(env.Tracking, env.PushingRef, rootTree, reconciled.CommitOid, time.Now())
    if err != nil {
        return nil, false, fmt.Errorf("orchestrate: author commit: %w", err)
    }

    refspec := fmt.Sprintf("%s:%s", env.PushingRef, env.RemoteRef)
    if _, err := runGit(env.TrackingRepoPath, "push", env.RemoteURL, refspec); err != nil {
        if isNonFastForward(err) {
            return nil, true, nil
        }
        return nil, false, fmt.Errorf("orchestrate: push to upstream: %w", err)
    }

    if err := env.Tracking.SetRef(env.TrackingRef, commitOid, true, "recursive-remote: advance tracking"); err != nil {
        return nil, false, fmt.Errorf("orchestrate: advance tracking after push: %w", err)
    }

    return outcomes, false, nil
}

// isNonFastForward classifies an upstream `git push` failure as
// retry-worthy (a concurrent pusher got there first) rather than
// fatal, grounded on cmd_push.rs's classify_failed_push_for_retry.
func isNonFastForward(err error) bool {
    msg := strings.ToLower(err.Error())
    return strings.Contains(msg, "non-fast-forward") ||
        strings.Contains(msg, "fetch first") ||
        strings.Contains(msg, "stale info")
}

func freshRandomName() ([20]byte, error) {
    var name [20]byte
    _, err := rand.Read(name[:])
    return name, err
}

func resolveUserRef(env *Env, refName string) (model.Ref, error) {
    out, err := runGit(env.UserRepoPath, "rev-parse", "--verify", refName)
    if err != nil {
        return model.Ref{}, fmt.Errorf("resolve %q: %w", refName, err)
    }
    oid, err := parseHexOid(out)
    if err != nil {
        return model.Ref{}, err
    }
    return model.NewDirectRef(oid), nil
}

func parseHexOid(s string) (model.BackendOid, error) {
    var oid model.BackendOid
    b, err := hex.DecodeString(strings.TrimSpace(s))
    if err != nil || len(b) != model.BackendOidSize {
        return oid, fmt.Errorf("not a valid object id: %q", s)
    }
    copy(oid[:], b)
    return oid, nil
}

func shallowBasisOids(env *Env) []model.BackendOid {
    var oids []model.BackendOid
    for _, s := range env.ShallowBasis {
        if oid, err := parseHexOid(s); err == nil {
            oids = append(oids, oid)
        }
    }
    return oids
}

// copyIntoObjectsEver transfers oid (and everything reachable from
// it) out of the user repository and into the all-objects-ever store
// via a throwaway ref, grounded on cmd_push.rs's do_commit staging
// step — the all-objects-ever store is the only place pack-objects
// is ever asked to read from, so nothing the user pushes can be
// packaged before it lands there.
func copyIntoObjectsEver(env *Env, oid model.BackendOid) error {
    oidHex := hex.EncodeToString(oid[:])
    tmpRef := fmt.Sprintf("refs/recursive-remote/%s/tmp/%s", env.RemoteName, uuid.NewString())
    destRef := fmt.Sprintf("refs/heads/%s/rev%s", env.RemoteName, oidHex)

    if _, err := runGit(env.UserRepoPath, "update-ref", tmpRef, oidHex); err != nil {
        return fmt.Errorf("orchestrate: stage %s for transfer: %w", oidHex, err)
    }
    defer runGit(env.UserRepoPath, "update-ref", "-d", tmpRef) //nolint:errcheck

    if _, err := runGit(env.UserRepoPath, "push", env.AllObjectsEverRepoPath, tmpRef+":"+destRef); err != nil {
        return fmt.Errorf("orchestrate: transfer %s into objects-ever store: %w", oidHex, err)
    }
    return nil
}

// admitRefUpdate wires internal/ratchet.CanFastForward to the
// all-objects-ever store's commit DAG, the repository every staged
// push target has, by this point, already been copied into.
func admitRefUpdate(env *Env, refName string, current, future model.Ref) (bool, error) {
    isDescendant := func(commit, ancestor *gitx.Oid) (bool, error) {
        return env.AllObjectsEver.DescendantOf(commit, ancestor)
    }
    typeOf := func(oid *gitx.Oid) (gitx.ObjectType, error) {
        return env.AllObjectsEver.LookupObjectType(oid)
    }
    return ratchet.CanFastForward(isDescendant, typeOf, refName, current, future)
}

func objectExists(repoPath string, oid model.BackendOid) bool {
    _, err := runGit(repoPath, "cat-file", "-e", hex.EncodeToString(oid[:]))
    return err == nil
}

// buildAndEncodePack spawns `git pack-objects --thin --stdout` in the
// all-objects-ever store over includeOids, excluding whatever of
// excludeOids it already has, and streams the result straight into
// the namespace's pack blob via persistence.EncodePackStream, grounded
// on cmd_push.rs's start_pack_process.
func buildAndEncodePack(env *Env, includeOids, excludeOids []model.BackendOid) (*model.PackRef, error) {
    proc, err := startPiped(env.AllObjectsEverRepoPath, "pack-objects", "--revs", "--thin", "--stdout")
    if err != nil {
        return nil, fmt.Errorf("orchestrate: start pack-objects: %w", err)
    }

    var revs bytes.Buffer
    for _, oid := range includeOids {
        fmt.Fprintf(&revs, "%s\n", hex.EncodeToString(oid[:]))
    }
    for _, oid := range excludeOids {
        if !objectExists(env.AllObjectsEverRepoPath, oid) {
            continue
        }
        fmt.Fprintf(&revs, "^%s\n", hex.EncodeToString(oid[:]))
    }
    writeErrCh := make(chan error, 1)
    go func() {
        _, err := io.Copy(proc.stdin, &revs)
        closeErr := proc.stdin.Close()
        if err == nil {
            err = closeErr
        }
        writeErrCh <- err
    }()

    randomName, err := freshRandomName()
    if err != nil {
        return nil, err
    }
    packRef, encErr := persistence.EncodePackStream(env.Tracking, proc.stdout, env.NamespaceKey, env.MaxObjectSize, randomName)

    writeErr := <-writeErrCh
    waitErr := proc.wait()
    if waitErr != nil {
        return nil, fmt.Errorf("orchestrate: pack-objects: %w", waitErr)
    }
    if writeErr != nil {
        return nil, fmt.Errorf("orchestrate: write pack-objects revision list: %w", writeErr)
    }
    if encErr != nil {
        return nil, fmt.Errorf("orchestrate: encode pack: %w", encErr)
    }
    return packRef, nil
}
