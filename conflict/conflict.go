// Package conflict resolves per-record write conflicts reported by
// the remote store. Resolution is whole-record and policy-driven.
package conflict

import (
	"fmt"

	syncErrors "github.com/zonekit/zonekit/errors"
	"github.com/zonekit/zonekit/record"
)

// Policy selects how a server/client conflict is resolved.
type Policy string

const (
	// KeepServer discards the client version.
	KeepServer Policy = "keep_server"

	// KeepClient overlays all client field values onto the
	// server-tagged record.
	KeepClient Policy = "keep_client"

	// KeepNewer overlays client fields only when the client copy is
	// strictly newer. Ties favor the server.
	KeepNewer Policy = "keep_newer"

	// KeepOlder overlays client fields only when the client copy is
	// strictly older. Ties favor the server.
	KeepOlder Policy = "keep_older"

	// Custom delegates to a caller-supplied function.
	Custom Policy = "custom"
)

// Valid reports whether p is one of the five supported policies.
func (p Policy) Valid() bool {
	switch p {
	case KeepServer, KeepClient, KeepNewer, KeepOlder, Custom:
		return true
	}
	return false
}

// CustomFunc resolves a conflict given the server, client and common
// ancestor versions of a record. Ancestor may be nil when the remote
// does not retain one.
type CustomFunc func(server, client, ancestor *record.RemoteRecord) (*record.RemoteRecord, error)

// Resolver produces one resolved record per conflict.
type Resolver struct {
	policy Policy
	custom CustomFunc
}

// New creates a resolver. A Custom policy without a handler is a
// configuration error: the engine surfaces it before a pass starts
// rather than mid-loop.
func New(policy Policy, custom CustomFunc) (*Resolver, error) {
	if !policy.Valid() {
		return nil, syncErrors.NewConfigurationError(syncErrors.OpResolve,
			fmt.Errorf("unknown conflict policy %q", policy))
	}
	if policy == Custom && custom == nil {
		return nil, syncErrors.NewConfigurationError(syncErrors.OpResolve,
			fmt.Errorf("conflict policy %q requires a custom resolver", Custom))
	}
	return &Resolver{policy: policy, custom: custom}, nil
}

// Policy returns the configured policy.
func (r *Resolver) Policy() Policy { return r.policy }

// Resolve returns the record to resubmit for one conflict. The
// resolved record always carries the server's change tag: resubmitting
// under a stale tag would just conflict again.
func (r *Resolver) Resolve(server, client, ancestor *record.RemoteRecord) (*record.RemoteRecord, error) {
	switch r.policy {
	case KeepServer:
		return server.Clone(), nil

	case KeepClient:
		return overlay(server, client), nil

	case KeepNewer:
		if client.ModifiedAt.After(server.ModifiedAt) {
			return overlay(server, client), nil
		}
		return server.Clone(), nil

	case KeepOlder:
		if client.ModifiedAt.Before(server.ModifiedAt) {
			return overlay(server, client), nil
		}
		return server.Clone(), nil

	case Custom:
		resolved, err := r.custom(server, client, ancestor)
		if err != nil {
			return nil, syncErrors.NewWithComponent(syncErrors.OpResolve, "resolver", err)
		}
		if resolved == nil {
			return nil, syncErrors.NewWithComponent(syncErrors.OpResolve, "resolver",
				fmt.Errorf("custom resolver returned no record"))
		}
		// Force the server tag regardless of what the handler built on.
		out := resolved.Clone()
		out.ChangeTag = server.ChangeTag
		return out, nil
	}

	return nil, syncErrors.NewConfigurationError(syncErrors.OpResolve,
		fmt.Errorf("unknown conflict policy %q", r.policy))
}

// overlay produces the server record object with every client field
// value applied, preserving the server change tag.
func overlay(server, client *record.RemoteRecord) *record.RemoteRecord {
	out := server.Clone()
	out.ModifiedAt = client.ModifiedAt
	out.Fields = make(map[string]any, len(client.Fields))
	for k, v := range client.Fields {
		out.Fields[k] = v
	}
	out.References = make(map[string]record.Reference, len(client.References))
	for k, v := range client.References {
		out.References[k] = v
	}
	return out
}
