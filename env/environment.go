// Package env provides utilities for dealing with environment variables.
//
// It is intended for internal use by shellgate only.
package env

import (
	"runtime"
	"sort"
	"strings"

	"github.com/puzpuzpuz/xsync/v2"
)

// Environment is a map of environment variables, with the keys normalized
// for case-insensitive operating systems.
type Environment struct {
	underlying *xsync.MapOf[string, string]
}

func New() *Environment {
	return &Environment{underlying: xsync.NewMapOf[string]()}
}

func NewWithLength(length int) *Environment {
	return &Environment{underlying: xsync.NewMapOfPresized[string](length)}
}

func FromMap(m map[string]string) *Environment {
	env := &Environment{underlying: xsync.NewMapOfPresized[string](len(m))}
	for k, v := range m {
		env.Set(k, v)
	}
	return env
}

// Split splits an environment variable (in the form "name=value") into the
// name and value substrings. If there is no '=', or the first '=' is at the
// start, it returns `"", "", false`.
func Split(l string) (name, value string, ok bool) {
	// Variable names should not contain '=' on any platform, and yet Windows
	// creates environment variables beginning with '=' in some circumstances.
	// See https://github.com/golang/go/issues/49886.
	i := strings.IndexRune(l, '=')
	if i <= 0 {
		return "", "", false
	}
	return l[:i], l[i+1:], true
}

// FromSlice creates a new environment from a string slice of KEY=VALUE
func FromSlice(s []string) *Environment {
	env := NewWithLength(len(s))
	for _, l := range s {
		if k, v, ok := Split(l); ok {
			env.Set(k, v)
		}
	}
	return env
}

// Dump returns a copy of the environment with all keys normalized.
func (e *Environment) Dump() map[string]string {
	d := make(map[string]string, e.underlying.Size())
	e.underlying.Range(func(k, v string) bool {
		d[normalizeKeyName(k)] = v
		return true
	})
	return d
}

// Get returns a key from the environment.
func (e *Environment) Get(key string) (string, bool) {
	v, ok := e.underlying.Load(normalizeKeyName(key))
	return v, ok
}

// Exists returns true/false depending on whether or not the key exists in the env.
func (e *Environment) Exists(key string) bool {
	_, ok := e.underlying.Load(normalizeKeyName(key))
	return ok
}

// Set sets a key in the environment.
func (e *Environment) Set(key string, value string) string {
	e.underlying.Store(normalizeKeyName(key), value)
	return value
}

// Remove a key from the Environment and return its value.
func (e *Environment) Remove(key string) string {
	value, ok := e.Get(key)
	if ok {
		e.underlying.Delete(normalizeKeyName(key))
	}
	return value
}

// Length returns the length of the environment.
func (e *Environment) Length() int {
	return e.underlying.Size()
}

// Merge merges another env into this one.
func (e *Environment) Merge(other *Environment) {
	if other == nil {
		return
	}
	other.underlying.Range(func(k, v string) bool {
		e.Set(k, v)
		return true
	})
}

// Copy returns a copy of the env.
func (e *Environment) Copy() *Environment {
	if e == nil {
		return New()
	}
	c := New()
	e.underlying.Range(func(k, v string) bool {
		c.Set(k, v)
		return true
	})
	return c
}

// ToSlice returns a sorted slice representation of the environment.
func (e *Environment) ToSlice() []string {
	s := []string{}
	e.underlying.Range(func(k, v string) bool {
		s = append(s, k+"="+v)
		return true
	})
	sort.Strings(s)
	return s
}

// Environment variable keys are case-insensitive on Windows.
func normalizeKeyName(key string) string {
	if runtime.GOOS == "windows" {
		return strings.ToUpper(key)
	}
	return key
}
