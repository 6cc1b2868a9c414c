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

// Recursive-remote | git remote-helper entrypoint
//
// Implements the stdin/stdout command protocol git invokes a remote
// helper through (capabilities/list/push/fetch), grounded on
// original_source/main.rs's git_special_remote_main. The embedded-URL
// config-blob mode (-e/-p) and the debug-dump mode (-d) of main.rs are
// explicitly out of scope (spec.md §1 Non-goals; see config.go) and
// are not implemented here.
package main

import (
    "bufio"
    "encoding/hex"
    "fmt"
    "io"
    "os"
    "path/filepath"
    "sort"
    "strings"

    "github.com/spf13/pflag"

    "lab.nexedi.com/kirr/recursive-remote/internal/gitx"
    "lab.nexedi.com/kirr/recursive-remote/internal/model"
    "lab.nexedi.com/kirr/recursive-remote/internal/orchestrate"
)

func main() {
    defer errcatch(func(e *Error) {
        fmt.Fprintln(os.Stderr, erraddcallingcontext(myfuncname(), e).Error())
        os.Exit(1)
    })
    run()
}

func run() {
    verbosity := pflag.CountP("verbose", "v", "increase verbosity (repeatable)")
    pflag.Parse()
    setVerbosity(*verbosity)

    args := pflag.Args()
    if len(args) != 2 {
        raisef("usage: git-remote-recursive <remote-name-or-url> <url>")
    }
    remoteName, remoteURL := args[0], args[1]

    gitDir, err := filepath.Abs(xgit("rev-parse", "--git-dir"))
    raiseif(err)
    userRepoPath := xgit("rev-parse", "--show-toplevel")

    cfg, err := LoadConfig(userRepoPath, remoteName, remoteURL, gitDir)
    raiseif(err)

    locks := newLockSet(cfg.LockPath, cfg.RemoteName)

    var tracking, allObjectsEver *gitx.Repository
    locks.withStateLock(func() {
        var err error
        tracking, err = initializeStore(cfg.TrackingRepoPath)
        raiseif(err)
        allObjectsEver, err = initializeStore(cfg.AllObjectsEverRepoPath)
        raiseif(err)
    })

    env := &orchestrate.Env{
        RemoteName:             cfg.RemoteName,
        RemoteURL:              cfg.RemoteURL,
        RemoteRef:              cfg.RemoteRef,
        TrackingRef:            cfg.TrackingRef,
        PushingRef:             cfg.PushingRef,
        BasisRef:               cfg.BasisRef,
        Namespace:              cfg.Namespace,
        MaxObjectSize:          cfg.MaxObjectSize,
        ShallowBasis:           cfg.ShallowBasis,
        StateKey:               cfg.Nacl.StateKey,
        NamespaceKey:           cfg.Nacl.NamespaceKey,
        UserRepoPath:           userRepoPath,
        TrackingRepoPath:       cfg.TrackingRepoPath,
        AllObjectsEverRepoPath: cfg.AllObjectsEverRepoPath,
        Tracking:               tracking,
        AllObjectsEver:         allObjectsEver,
    }

    locks.withRemoteLock(func() {
        commandLoop(env)
    })
}

// initializeStore opens (creating if absent) a bare backend
// repository, running the teacher's gc.auto=6700 -> gc --auto ->
// gc.auto=0 dance exactly once at creation time so a freshly made
// store starts with a sane pack, then pins auto-gc off since this
// system manages its own reachability anchors (spec.md §4.E.3)
// and does not want git's own heuristics pruning them.
func initializeStore(path string) (*gitx.Repository, error) {
    if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
        return nil, err
    }
    _, statErr := os.Stat(path)
    fresh := os.IsNotExist(statErr)

    repo, err := gitx.OpenOrInitBare(path)
    if err != nil {
        return nil, err
    }
    if fresh {
        dir := RunWith{dir: path}
        xgit("config", "gc.auto", "6700", dir)
        xgit("gc", "--auto", dir)
        xgit("config", "gc.auto", "0", dir)
    }
    return repo, nil
}

// commandLoop drives the line-oriented remote-helper protocol until
// git closes the pipe or sends a blank top-level line.
func commandLoop(env *orchestrate.Env) {
    r := bufio.NewReader(os.Stdin)
    w := bufio.NewWriter(os.Stdout)
    defer w.Flush()

    for {
        line, err := readLine(r)
        if err != nil {
            return
        }
        line = strings.TrimRight(line, "\n")

        switch {
        case line == "":
            return
        case line == "capabilities":
            fmt.Fprintln(w, "push")
            fmt.Fprintln(w, "fetch")
            fmt.Fprintln(w)
            w.Flush()
        case line == "list" || line == "list for-push":
            handleList(env, w)
        case strings.HasPrefix(line, "push "):
            handlePushBatch(env, r, w, line)
        case strings.HasPrefix(line, "fetch "):
            handleFetchBatch(env, r, w, line)
        default:
            // spec.md §6: any other command line is ignored; parsing
            // never panics on malformed input, matching main.rs's
            // permissive command loop.
        }
    }
}

func readLine(r *bufio.Reader) (string, error) {
    line, err := r.ReadString('\n')
    if len(line) == 0 {
        if err == io.EOF {
            return "", err
        }
        raiseif(err)
    }
    return line, nil
}

func handleList(env *orchestrate.Env, w *bufio.Writer) {
    reconciled, err := orchestrate.Reconcile(env)
    raiseif(err)
    refs, err := orchestrate.ListRefs(env, reconciled)
    raiseif(err)

    names := make([]string, 0, len(refs))
    for name := range refs {
        names = append(names, name)
    }
    sort.Strings(names)

    for _, name := range names {
        ref := refs[name]
        if ref.Kind == model.RefSymbolic {
            fmt.Fprintf(w, "@%s %s\n", ref.SymbolicName, name)
        } else {
            fmt.Fprintf(w, "%s %s\n", hex.EncodeToString(ref.Direct[:]), name)
        }
    }
    fmt.Fprintln(w)
    w.Flush()
}

func handlePushBatch(env *orchestrate.Env, r *bufio.Reader, w *bufio.Writer, first string) {
    raw := []string{strings.TrimPrefix(first, "push ")}
    for {
        line, err := readLine(r)
        line = strings.TrimRight(line, "\n")
        if err != nil || line == "" {
            break
        }
        raw = append(raw, strings.TrimPrefix(line, "push "))
    }

    specs := make([]orchestrate.PushSpec, 0, len(raw))
    for _, s := range raw {
        spec, err := orchestrate.ParsePushSpec(s)
        raiseif(err)
        specs = append(specs, spec)
    }

    outcomes, err := orchestrate.Push(env, specs)
    raiseif(err)

    for _, o := range outcomes {
        if o.OK {
            fmt.Fprintf(w, "ok %s\n", o.Dst)
        } else {
            fmt.Fprintf(w, "error %s %s\n", o.Dst, o.Reason)
        }
    }
    fmt.Fprintln(w)
    w.Flush()
}

func handleFetchBatch(env *orchestrate.Env, r *bufio.Reader, w *bufio.Writer, first string) {
    raw := []string{strings.TrimPrefix(first, "fetch ")}
    for {
        line, err := readLine(r)
        line = strings.TrimRight(line, "\n")
        if err != nil || line == "" {
            break
        }
        raw = append(raw, strings.TrimPrefix(line, "fetch "))
    }

    revs := make([]string, 0, len(raw))
    for _, s := range raw {
        fields := strings.Fields(s)
        if len(fields) == 0 {
            continue
        }
        if _, err := hex.DecodeString(fields[0]); err != nil || len(fields[0]) != 40 {
            raisef("fetch: malformed object id %q: expected 40 hex digits", fields[0])
        }
        revs = append(revs, fields[0])
    }

    reconciled, err := orchestrate.Reconcile(env)
    raiseif(err)
    raiseif(orchestrate.Fetch(env, reconciled, revs))

    fmt.Fprintln(w)
    w.Flush()
}
