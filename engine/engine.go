// Copyright 2026 The SymFlow Authors. SPDX-License-Identifier: Apache-2.0

// Package engine defines the dependency-driven scheduling engine the
// executors are clients of, and provides two implementations: a threaded
// engine backed by a worker pool, and a synchronous engine useful as a
// deterministic test double.
//
// Work is expressed as operations against shared mutable variables (one
// Var per logical memory region). The engine guarantees that any two
// operations sharing a written variable, or one reading what another
// writes, run in an order consistent with submission, while operations
// with disjoint variable sets may run concurrently. Under-declaring a
// dependency is a data race; over-declaring merely serializes.
//
// Engines are registered by name, in the manner of a pluggable backend
// registry: the default is picked from the SYMFLOW_ENGINE environment
// variable, or the first registered engine.
package engine

import (
	"os"
	"strconv"
	"strings"

	"github.com/gomlx/exceptions"
)

// Context identifies the device an operation runs against. States and
// buffers are kept per Context.
type Context struct {
	Device string
	Index  int
}

// CPU returns the context for the index-th CPU device.
func CPU(index int) Context {
	return Context{Device: "cpu", Index: index}
}

// String implements fmt.Stringer, e.g. "cpu:0".
func (c Context) String() string {
	return c.Device + ":" + strconv.Itoa(c.Index)
}

// Priority orders otherwise-independent operations; higher runs earlier
// when the engine has a choice. It is a hint, not a guarantee.
type Priority int

// OpProperty hints what kind of work an operation is. Engines may use it
// for tracing or queue selection.
type OpProperty int

const (
	OpNormal OpProperty = iota
	OpCopy
	OpPrioritized
	OpAsync
)

// Fn is a synchronous unit of work: it completes when it returns.
type Fn func()

// AsyncFn is an asynchronous unit of work: it must call done exactly
// once when the operation's effects are complete.
type AsyncFn func(done func())

// Engine is the scheduling contract the executors depend on.
//
// All Push variants return immediately; completion is tracked through
// the declared variables. WaitForVar blocks until every operation
// writing v submitted so far has completed; WaitForAll blocks until all
// outstanding operations have.
type Engine interface {
	Name() string

	// PushSync submits fn; the operation completes when fn returns.
	PushSync(fn Fn, ctx Context, read, write []*Var, priority Priority, prop OpProperty)

	// PushAsync submits fn; the operation completes when fn calls done.
	PushAsync(fn AsyncFn, ctx Context, read, write []*Var, priority Priority, prop OpProperty)

	// WaitForVar blocks until all submitted writers of v finished.
	WaitForVar(v *Var)

	// WaitForAll blocks until all outstanding operations finished.
	WaitForAll()

	// DeleteVar schedules the variable for deletion once every operation
	// depending on it has completed. The caller must not use v afterward.
	DeleteVar(v *Var)

	// BulkSize returns the advisory maximum number of consecutive
	// operations callers should fuse into one submission.
	BulkSize() int

	// SetBulkSize sets the advisory bulk size and returns the previous
	// value, so callers can restore it.
	SetBulkSize(n int) int

	// Shutdown waits for outstanding work and releases engine resources.
	Shutdown()
}

// Constructor builds an Engine from a backend-specific config string.
type Constructor func(config string) Engine

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register an engine constructor under the given name. Call during
// package initialization.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// SYMFLOW_ENGINE is the environment variable selecting the default
// engine. The format is "<engine_name>" or "<engine_name>:<config>".
const SYMFLOW_ENGINE = "SYMFLOW_ENGINE"

// New returns the default engine: SYMFLOW_ENGINE if set, otherwise the
// first registered engine with an empty config.
func New() Engine {
	if config, found := os.LookupEnv(SYMFLOW_ENGINE); found {
		return NewWithConfig(config)
	}
	return NewWithConfig("")
}

// NewWithConfig builds an engine from "<engine_name>:<config>". An empty
// name selects the threaded engine when registered, otherwise the first
// registered one.
func NewWithConfig(config string) Engine {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf("engine: no engines registered")
	}
	name := firstRegistered
	if _, found := registeredConstructors["threaded"]; found {
		name = "threaded"
	}
	engineConfig := ""
	if config != "" {
		name = config
		if idx := strings.Index(config, ":"); idx != -1 {
			name = config[:idx]
			engineConfig = config[idx+1:]
		}
	}
	constructor, found := registeredConstructors[name]
	if !found {
		exceptions.Panicf("engine: no engine %q registered (from configuration %q)", name, config)
	}
	return constructor(engineConfig)
}
