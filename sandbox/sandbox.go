// Copyright 2024 The ActorVM Authors
// This file is part of ActorVM.

// Package sandbox is the path sandbox for file-I/O host primitives:
// every path argument to a file-I/O host primitive is canonicalized and
// checked against an explicit allow-list before the primitive touches the
// filesystem. The core only ever calls ResolveRead/ResolveWrite; it never
// inspects the allow-list itself.
package sandbox

import (
	"path/filepath"
	"strings"
)

// Sandbox grants or denies filesystem access based on an explicit
// allow-list of readable and writable directory prefixes, plus an
// optional working directory used to resolve relative paths.
type Sandbox struct {
	cwd      string
	readSet  []string
	writeSet []string
	allowCwd bool
}

// New constructs a Sandbox rooted at cwd (used to resolve relative
// paths), with the given allow-listed read/write directory prefixes.
func New(cwd string, readSet, writeSet []string, allowCwd bool) *Sandbox {
	return &Sandbox{cwd: cwd, readSet: canon(readSet), writeSet: canon(writeSet), allowCwd: allowCwd}
}

func canon(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if abs, err := filepath.Abs(p); err == nil {
			out = append(out, filepath.Clean(abs))
		}
	}
	return out
}

func (s *Sandbox) resolve(path string) (string, bool) {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(s.cwd, abs)
	}
	clean := filepath.Clean(abs)
	return clean, true
}

func underAny(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if path == p || strings.HasPrefix(path, p+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// ResolveRead canonicalizes path and returns it if read access is
// granted, or ("", false) if denied.
func (s *Sandbox) ResolveRead(path string) (string, bool) {
	clean, ok := s.resolve(path)
	if !ok {
		return "", false
	}
	if s.allowCwd && underAny(clean, []string{filepath.Clean(s.cwd)}) {
		return clean, true
	}
	if underAny(clean, s.readSet) {
		return clean, true
	}
	return "", false
}

// ResolveWrite canonicalizes path and returns it if write access is
// granted, or ("", false) if denied.
func (s *Sandbox) ResolveWrite(path string) (string, bool) {
	clean, ok := s.resolve(path)
	if !ok {
		return "", false
	}
	if s.allowCwd && underAny(clean, []string{filepath.Clean(s.cwd)}) {
		return clean, true
	}
	if underAny(clean, s.writeSet) {
		return clean, true
	}
	return "", false
}
