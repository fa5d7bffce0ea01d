package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const peerColumns = `guid, id, uuid, pk, created_at, user, status, note, info`

// InsertPeer adds a new peer row. The unique index on id rejects a second
// row for the same identifier.
func (s *Store) InsertPeer(ctx context.Context, peer Peer) error {
	if len(peer.GUID) == 0 {
		return errors.New("guid is required")
	}
	if peer.ID == "" {
		return errors.New("id is required")
	}
	if peer.UUID == nil {
		peer.UUID = []byte{}
	}
	if peer.PK == nil {
		peer.PK = []byte{}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO peer (guid, id, uuid, pk, user, status, note, info)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		peer.GUID,
		peer.ID,
		peer.UUID,
		peer.PK,
		peer.User,
		nullInt64FromInt(peer.Status),
		nullString(peer.Note),
		peer.Info,
	)
	if err != nil {
		return fmt.Errorf("insert peer %q: %w", peer.ID, err)
	}

	return nil
}

// UpdatePeerByGUID rewrites the mutable columns of an existing row.
func (s *Store) UpdatePeerByGUID(ctx context.Context, guid []byte, id string, pk []byte, info string) error {
	if len(guid) == 0 {
		return errors.New("guid is required")
	}
	if pk == nil {
		pk = []byte{}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE peer SET id = ?, pk = ?, info = ? WHERE guid = ?`,
		id, pk, info, guid,
	)
	if err != nil {
		return fmt.Errorf("update peer %q: %w", id, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for peer update %q: %w", id, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// GetPeerByID fetches a peer by its dialable identifier.
func (s *Store) GetPeerByID(ctx context.Context, id string) (*Peer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+peerColumns+` FROM peer WHERE id = ?`,
		id,
	)

	peer, err := scanPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get peer %q: %w", id, err)
	}

	return peer, nil
}

// GetPeerByGUID fetches a peer by its internal id.
func (s *Store) GetPeerByGUID(ctx context.Context, guid []byte) (*Peer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+peerColumns+` FROM peer WHERE guid = ?`,
		guid,
	)

	peer, err := scanPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get peer by guid: %w", err)
	}

	return peer, nil
}

// CountPeers returns the number of rows in the peer table.
func (s *Store) CountPeers(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM peer`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count peers: %w", err)
	}
	return count, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPeer(row scanner) (*Peer, error) {
	var (
		peer   Peer
		status sql.NullInt64
		note   sql.NullString
	)

	if err := row.Scan(
		&peer.GUID,
		&peer.ID,
		&peer.UUID,
		&peer.PK,
		&peer.CreatedAt,
		&peer.User,
		&status,
		&note,
		&peer.Info,
	); err != nil {
		return nil, err
	}

	peer.Status = intPtrFromNullInt64(status)
	peer.Note = stringPtr(note)
	return &peer, nil
}
