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

// Recursive-remote | configuration
//
// Grounded on original_source/config.rs: config keys read from
// `remote.<name>.*` in the user repository's git config (spec.md §6
// "Configuration keys"). The embedded-URL config blob mechanism
// (config.rs/embedded_config.rs) is explicitly out of scope per
// spec.md §1 and is not implemented; only the underlying keys are.
package main

import (
    "crypto/rand"
    "encoding/hex"
    "fmt"
    "os"
    "path/filepath"
    "strconv"
    "strings"

    git2go "github.com/libgit2/git2go/v31"

    "lab.nexedi.com/kirr/recursive-remote/internal/codec"
)

const (
    configKeyNamespace        = "namespace"
    configKeyRemoteBranch     = "remote-branch"
    configKeyNamespaceNacl    = "namespace-nacl-key"
    configKeyStateNacl        = "state-nacl-key"
    configKeyShallowBasis     = "shallow-basis"
    configKeyMaxObjectSize    = "max-object-size"
    defaultRemoteBranch       = "refs/heads/main"
    defaultMaxObjectSize      = 20 * 1024 * 1024
    minMaxObjectSize          = 10
    maxMaxObjectSize          = 1 << 30
)

// EncryptionKeys holds the two independent nacl/secretbox keys this
// remote uses, or neither (config.rs's EncryptionKeys/
// EncryptionKeysInner: both or neither must be configured).
type EncryptionKeys struct {
    StateKey     codec.Key
    NamespaceKey codec.Key
}

// Config is everything one push/fetch invocation needs, grounded on
// config.rs's Config struct.
type Config struct {
    Namespace string

    UserRepoPath           string
    TrackingRepoPath       string
    AllObjectsEverRepoPath string
    StatePath              string
    LockPath               string

    RemoteName string
    RemoteURL  string
    RemoteRef  string // the upstream branch this remote tracks

    TrackingRef string // refs/heads/<remote>/tracking
    PushingRef  string // refs/heads/<remote>/push
    BasisRef    string // refs/heads/<remote>/basis/<namespace> or /default_basis

    Nacl EncryptionKeys

    ShallowBasis  []string
    MaxObjectSize int
}

// LoadConfig reads remote.<remoteName>.* out of the user repository's
// git config and fills in the derived ref names/paths, grounded on
// config.rs's Config::new.
func LoadConfig(userRepoPath, remoteName, remoteURL, gitDir string) (*Config, error) {
    repo, err := git2go.OpenRepository(userRepoPath)
    if err != nil {
        return nil, &ConfigError{fmt.Sprintf("open user repo %q: %s", userRepoPath, err)}
    }
    cfg, err := repo.Config()
    if err != nil {
        return nil, &ConfigError{fmt.Sprintf("open config: %s", err)}
    }

    section := "remote." + remoteName + "."

    namespace, _ := cfg.LookupString(section + configKeyNamespace)

    remoteBranch, _ := cfg.LookupString(section + configKeyRemoteBranch)
    if remoteBranch == "" {
        remoteBranch = defaultRemoteBranch
    } else if !strings.HasPrefix(remoteBranch, "refs/heads/") {
        remoteBranch = "refs/heads/" + remoteBranch
    }

    shallowRaw, _ := cfg.LookupString(section + configKeyShallowBasis)
    var shallowBasis []string
    if shallowRaw != "" {
        shallowBasis = strings.Fields(shallowRaw)
    }

    maxObjectSize := defaultMaxObjectSize
    if raw, err := cfg.LookupString(section + configKeyMaxObjectSize); err == nil && raw != "" {
        n, err := strconv.Atoi(raw)
        if err != nil {
            return nil, &ConfigError{fmt.Sprintf("%s: not an integer: %s", configKeyMaxObjectSize, raw)}
        }
        maxObjectSize = n
    }
    if maxObjectSize < minMaxObjectSize || maxObjectSize > maxMaxObjectSize {
        return nil, &ConfigError{fmt.Sprintf("%s must be between %d and %d, got %d", configKeyMaxObjectSize, minMaxObjectSize, maxMaxObjectSize, maxObjectSize)}
    }

    nsKey, err := configureNaclKey(cfg, section+configKeyNamespaceNacl)
    if err != nil {
        return nil, err
    }
    stKey, err := configureNaclKey(cfg, section+configKeyStateNacl)
    if err != nil {
        return nil, err
    }
    if (nsKey == nil) != (stKey == nil) {
        return nil, &ConfigError{fmt.Sprintf("both or neither of %s and %s must be configured", configKeyNamespaceNacl, configKeyStateNacl)}
    }

    basisRef := fmt.Sprintf("refs/heads/%s/default_basis", remoteName)
    if namespace != "" {
        basisRef = fmt.Sprintf("refs/heads/%s/basis/%s", remoteName, namespace)
    }

    statePath := filepath.Join(gitDir, "recursive-remote", remoteName)

    return &Config{
        Namespace:              namespace,
        UserRepoPath:           userRepoPath,
        TrackingRepoPath:       filepath.Join(statePath, "tracking.git"),
        AllObjectsEverRepoPath: filepath.Join(statePath, "objects-ever.git"),
        StatePath:              statePath,
        LockPath:               filepath.Join(statePath, "locks"),
        RemoteName:             remoteName,
        RemoteURL:              remoteURL,
        RemoteRef:              remoteBranch,
        TrackingRef:            fmt.Sprintf("refs/heads/%s/tracking", remoteName),
        PushingRef:             fmt.Sprintf("refs/heads/%s/push", remoteName),
        BasisRef:               basisRef,
        Nacl:                   EncryptionKeys{StateKey: stKey, NamespaceKey: nsKey},
        ShallowBasis:           shallowBasis,
        MaxObjectSize:          maxObjectSize,
    }, nil
}

// configureNaclKey implements the three key-configuration shapes of
// spec.md §6: empty (generate and persist in the config value itself),
// file://path (lazy read-or-create at that path), or an inline
// already-serialized key.
func configureNaclKey(cfg *git2go.Config, key string) (codec.Key, error) {
    raw, err := cfg.LookupString(key)
    if err != nil {
        return nil, nil
    }
    if raw == "" {
        generated, encoded, err := generateNaclKey()
        if err != nil {
            return nil, err
        }
        if err := cfg.SetString(key, encoded); err != nil {
            return nil, &ConfigError{fmt.Sprintf("store generated nacl key in %s: %s", key, err)}
        }
        return generated, nil
    }
    if path, ok := strings.CutPrefix(raw, "file://"); ok {
        return naclKeyFromFile(path)
    }
    return parseNaclKey(raw)
}

func naclKeyFromFile(path string) (codec.Key, error) {
    data, err := os.ReadFile(path)
    if err == nil {
        return parseNaclKey(strings.TrimSpace(string(data)))
    }
    if !os.IsNotExist(err) {
        return nil, &ConfigError{fmt.Sprintf("read nacl key file %q: %s", path, err)}
    }
    key, encoded, err := generateNaclKey()
    if err != nil {
        return nil, err
    }
    if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
        return nil, &ConfigError{fmt.Sprintf("create nacl key directory: %s", err)}
    }
    if err := os.WriteFile(path, []byte(encoded+"\n"), 0o600); err != nil {
        return nil, &ConfigError{fmt.Sprintf("write nacl key file %q: %s", path, err)}
    }
    return key, nil
}

func parseNaclKey(s string) (codec.Key, error) {
    decoded, err := hex.DecodeString(s)
    if err != nil || len(decoded) != 32 {
        return nil, &ConfigError{fmt.Sprintf("malformed nacl key %q: expected 64 hex digits", s)}
    }
    var key [32]byte
    copy(key[:], decoded)
    return &key, nil
}

func generateNaclKey() (codec.Key, string, error) {
    var key [32]byte
    if _, err := rand.Read(key[:]); err != nil {
        return nil, "", &ConfigError{fmt.Sprintf("generate nacl key: %s", err)}
    }
    return &key, hex.EncodeToString(key[:]), nil
}

// ConfigError is spec.md §7's Configuration error class: fatal at
// startup, never retried.
type ConfigError struct {
    msg string
}

func (e *ConfigError) Error() string { return "config: " + e.msg }
