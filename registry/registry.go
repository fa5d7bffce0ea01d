// Package registry maps peer identifiers to their registered keys and
// last-seen addresses.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/SwartzMss/MiniRustDesk/network"
	"github.com/SwartzMss/MiniRustDesk/storage"
	"github.com/google/uuid"
)

// Store is the persistence the registry needs.
type Store interface {
	GetPeerByID(ctx context.Context, id string) (*storage.Peer, error)
	GetPeerByGUID(ctx context.Context, guid []byte) (*storage.Peer, error)
	InsertPeer(ctx context.Context, peer storage.Peer) error
	UpdatePeerByGUID(ctx context.Context, guid []byte, id string, pk []byte, info string) error
}

// Registry is safe for concurrent use; the store's unique index on id is
// the only guard against duplicate rows.
type Registry struct {
	store   Store
	logger  *slog.Logger
	newGUID func() []byte
}

// New returns a registry backed by store.
func New(store Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  store,
		logger: logger.With("component", "registry"),
		newGUID: func() []byte {
			id := uuid.New()
			return id[:]
		},
	}
}

// UpdateOrInsert records pk and ip for id, creating the row on first
// registration. Store failures, including a lost race on the unique id
// index, report RegisterServerError.
func (r *Registry) UpdateOrInsert(ctx context.Context, id string, uuid, pk []byte, ip string) network.RegisterPkResult {
	existing, err := r.store.GetPeerByID(ctx, id)
	switch {
	case err == nil:
		info := mergeInfo(existing.Info, ip)
		if err := r.store.UpdatePeerByGUID(ctx, existing.GUID, id, pk, info); err != nil {
			r.logger.Error("update peer failed", "id", id, "error", err)
			return network.RegisterPkServerError
		}
		r.logger.Debug("peer updated", "id", id, "ip", ip)
		return network.RegisterPkOK

	case errors.Is(err, storage.ErrNotFound):
		err := r.store.InsertPeer(ctx, storage.Peer{
			GUID: r.newGUID(),
			ID:   id,
			UUID: uuid,
			PK:   pk,
			Info: mergeInfo("", ip),
		})
		if err != nil {
			r.logger.Error("insert peer failed", "id", id, "error", err)
			return network.RegisterPkServerError
		}
		r.logger.Info("peer registered", "id", id, "ip", ip)
		return network.RegisterPkOK

	default:
		r.logger.Error("lookup peer failed", "id", id, "error", err)
		return network.RegisterPkServerError
	}
}

// FindByID returns the peer registered under id.
func (r *Registry) FindByID(ctx context.Context, id string) (*storage.Peer, bool) {
	peer, err := r.store.GetPeerByID(ctx, id)
	return r.found(peer, err)
}

// FindByGUID returns the peer with the given internal id.
func (r *Registry) FindByGUID(ctx context.Context, guid []byte) (*storage.Peer, bool) {
	peer, err := r.store.GetPeerByGUID(ctx, guid)
	return r.found(peer, err)
}

func (r *Registry) found(peer *storage.Peer, err error) (*storage.Peer, bool) {
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			r.logger.Warn("peer lookup failed", "error", err)
		}
		return nil, false
	}
	return peer, true
}

// mergeInfo sets the ip field of a JSON info blob, keeping other fields.
// Unparseable info is replaced.
func mergeInfo(raw, ip string) string {
	fields := map[string]any{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &fields); err != nil || fields == nil {
			fields = map[string]any{}
		}
	}
	fields["ip"] = ip

	encoded, err := json.Marshal(fields)
	if err != nil {
		return `{}`
	}
	return string(encoded)
}
