// Copyright (C) 2015-2016  Nexedi SA and Contributors.
//                          Kirill Smelkov <kirr@nexedi.com>
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.

// Recursive-remote | exception-style error handling
//
// raise/raiseif/raisef/errcatch implement a panic/recover idiom so
// that deeply-nested fallible git/codec/persistence operations do not
// need to thread `error` through every return. Every raise carries an
// *Error that accumulates calling context as it unwinds; errcatch at a
// command boundary recovers it and nothing else.
package main

import (
    "fmt"
    "runtime"
)

// Error is what raise() panics with (wrapped from an arbitrary error
// or built directly via raisef). Context accumulates outside-in as the
// panic unwinds through erraddcontext/erraddcallingcontext.
type Error struct {
    err     error
    context []string
}

func (e *Error) Error() string {
    msg := e.err.Error()
    for i := len(e.context) - 1; i >= 0; i-- {
        msg = e.context[i] + ": " + msg
    }
    return msg
}

func (e *Error) Unwrap() error {
    return e.err
}

// raise panics with v wrapped as *Error (or re-panics v directly if it
// is already *Error).
func raise(v interface{}) {
    switch e := v.(type) {
    case *Error:
        panic(e)
    case error:
        panic(&Error{err: e})
    default:
        panic(&Error{err: fmt.Errorf("%v", v)})
    }
}

// raiseif raises err if it is non-nil; no-op otherwise.
func raiseif(err error) {
    if err != nil {
        raise(err)
    }
}

// raisef raises a formatted error.
func raisef(format string, a ...interface{}) {
    raise(fmt.Errorf(format, a...))
}

// aserror converts a plain error into *Error without raising it.
func aserror(err error) *Error {
    if e, ok := err.(*Error); ok {
        return e
    }
    return &Error{err: err}
}

// erraddcontext returns e with an extra context line prepended to its
// message on the next Error() call.
func erraddcontext(e *Error, context string) *Error {
    e.context = append(e.context, context)
    return e
}

// erraddcallingcontext is erraddcontext specialized for "called from
// <function>" context, used at the top of errcatch handlers.
func erraddcallingcontext(funcname string, e *Error) *Error {
    return erraddcontext(e, "called from "+funcname)
}

// errcatch should be used via `defer errcatch(func(e *Error) {...})`.
// It recovers a panic only if it is our *Error type; anything else
// (including nil, i.e. no panic) propagates/returns as usual, so a
// real programming-error panic is never accidentally swallowed.
func errcatch(handle func(e *Error)) {
    r := recover()
    if r == nil {
        return
    }
    e, ok := r.(*Error)
    if !ok {
        panic(r)
    }
    handle(e)
}

// myfuncname returns the name of the calling function, used to tag
// top-level error context the way git-backup.go's main() does.
func myfuncname() string {
    pc, _, _, ok := runtime.Caller(1)
    if !ok {
        return "?"
    }
    fn := runtime.FuncForPC(pc)
    if fn == nil {
        return "?"
    }
    return fn.Name()
}
