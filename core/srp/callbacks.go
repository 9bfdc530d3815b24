// File: core/srp/callbacks.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Token event callbacks. Entries live in an owned, id-keyed list per
// event type. Single-shot entries are unlinked before invocation; on
// failure they are re-linked in place and retried on the next rotation.

package srp

import (
	"github.com/charmbracelet/log"

	"github.com/momentics/totemring/api"
)

type tokenCallbackKind int

const (
	tokenCallbackReceived tokenCallbackKind = iota
	tokenCallbackSent
)

type callbackEntry struct {
	id   api.CallbackID
	kind tokenCallbackKind
	once bool
	fn   api.TokenCallbackFn
	data any
}

type tokenCallbacks struct {
	nextID   api.CallbackID
	received []*callbackEntry
	sent     []*callbackEntry
}

func (c *tokenCallbacks) list(kind tokenCallbackKind) *[]*callbackEntry {
	if kind == tokenCallbackReceived {
		return &c.received
	}
	return &c.sent
}

func (c *tokenCallbacks) register(kind tokenCallbackKind, once bool, fn api.TokenCallbackFn, data any) api.CallbackID {
	c.nextID++
	entry := &callbackEntry{id: c.nextID, kind: kind, once: once, fn: fn, data: data}
	l := c.list(kind)
	*l = append(*l, entry)
	return entry.id
}

func (c *tokenCallbacks) unregister(id api.CallbackID) bool {
	for _, l := range []*[]*callbackEntry{&c.received, &c.sent} {
		for i, e := range *l {
			if e.id == id {
				*l = append((*l)[:i], (*l)[i+1:]...)
				return true
			}
		}
	}
	return false
}

// execute runs all callbacks of one kind. Failed single-shot entries
// keep their position for the next rotation.
func (c *tokenCallbacks) execute(logger *log.Logger, kind tokenCallbackKind) {
	l := c.list(kind)
	kept := (*l)[:0]
	apiKind := api.TokenCallbackReceived
	if kind == tokenCallbackSent {
		apiKind = api.TokenCallbackSent
	}
	for _, e := range *l {
		err := e.fn(apiKind, e.data)
		if !e.once {
			kept = append(kept, e)
			continue
		}
		if err != nil {
			// Retry on the next token.
			logger.Debug("single-shot token callback failed, retrying", "id", uint64(e.id))
			kept = append(kept, e)
		}
	}
	*l = kept
}

// RegisterTokenCallback installs a callback on token received or sent
// events; once entries run a single successful time.
func (inst *Instance) RegisterTokenCallback(kind api.TokenCallbackType, once bool, fn api.TokenCallbackFn, data any) (api.CallbackID, error) {
	if !inst.initialized {
		return 0, api.ErrNotInitialized
	}
	k := tokenCallbackReceived
	if kind == api.TokenCallbackSent {
		k = tokenCallbackSent
	}
	return inst.callbacks.register(k, once, fn, data), nil
}

// UnregisterTokenCallback removes a callback by id.
func (inst *Instance) UnregisterTokenCallback(id api.CallbackID) error {
	if !inst.initialized {
		return api.ErrNotInitialized
	}
	if !inst.callbacks.unregister(id) {
		return api.ErrInvalidHandle
	}
	return nil
}
