// Package exporter implements the place-registration and HTTP-CONNECT
// proxy side of the system: it loads an export description, starts the
// embedded USB/IP server for its USB parts, and gates every CONNECT
// tunnel on the IP allow-list the hub pushes via set_allowed_ips
// (spec.md §4.5).
package exporter

import (
	"context"
	"sync"
)

// task is one in-flight CONNECT tunnel's cancellation handle, tracked by
// pointer identity so it can be removed from its IP's slot again when the
// tunnel ends on its own.
type task struct {
	cancel context.CancelFunc
}

// allowList tracks which client IPs may currently open CONNECT tunnels,
// and which in-flight tunnel tasks belong to each IP so they can be
// cancelled the instant that IP is revoked (spec.md §4.5's "per-IP task
// tracking").
type allowList struct {
	mu    sync.Mutex
	ips   map[string]bool
	tasks map[string][]*task
}

func newAllowList() *allowList {
	return &allowList{ips: map[string]bool{}, tasks: map[string][]*task{}}
}

// Allowed reports whether ip currently holds the allow-list entry.
func (a *allowList) Allowed(ip string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ips[ip]
}

// Set replaces the allow-list wholesale. Every IP that drops out has all
// of its tracked tasks cancelled, terminating any in-flight tunnels for
// it.
func (a *allowList) Set(ips []string) {
	next := make(map[string]bool, len(ips))
	for _, ip := range ips {
		next[ip] = true
	}

	a.mu.Lock()
	var toCancel []*task
	for ip, tasks := range a.tasks {
		if !next[ip] {
			toCancel = append(toCancel, tasks...)
			delete(a.tasks, ip)
		}
	}
	a.ips = next
	a.mu.Unlock()

	for _, t := range toCancel {
		t.cancel()
	}
}

// track registers cancel as belonging to ip's in-flight tunnel set and
// returns a function that removes it again once the tunnel ends on its
// own.
func (a *allowList) track(ip string, cancel context.CancelFunc) (untrack func()) {
	t := &task{cancel: cancel}
	a.mu.Lock()
	a.tasks[ip] = append(a.tasks[ip], t)
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		tasks := a.tasks[ip]
		for i, other := range tasks {
			if other == t {
				a.tasks[ip] = append(tasks[:i], tasks[i+1:]...)
				break
			}
		}
	}
}
