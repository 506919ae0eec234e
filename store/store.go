// Package store is the durable persistence layer backing
// repository.Store, implemented against PostgreSQL with jackc/pgx/v5.
// Grounded on the jackc/pgx/v5 dependency present in the wider example
// corpus (see other_examples/manifests/leanlp-BTC-coinjoin) for the
// pool-plus-parameterized-query idiom; the conditional
// "UPDATE ... WHERE status = $old" statement implements the debounce
// spec §6 requires for idempotent terminal bid updates.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pyth-network/express-relay-auction/auction"
	"github.com/pyth-network/express-relay-auction/log"
)

// Store is the pgx-backed implementation of repository.Store.
type Store struct {
	pool   *pgxpool.Pool
	logger *log.Logger
}

// Open connects to dsn and verifies connectivity.
func Open(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, auction.Wrap(auction.KindFatal, "parse store dsn", err)
	}
	cfg.MaxConns = maxConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, auction.Wrap(auction.KindTransient, "open store pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, auction.Wrap(auction.KindTransient, "ping store", err)
	}
	return &Store{pool: pool, logger: log.Default().Module("store")}, nil
}

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

// Ping verifies the pool can still reach the database, used by the
// coordinator's health checker.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Migrate applies the bid/auction schema, matching the `migrate`
// subcommand of cmd/auctiond (spec §6 CLI).
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return auction.Wrap(auction.KindFatal, "apply schema", err)
	}
	return nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS bids (
	id                       UUID PRIMARY KEY,
	chain_id                 TEXT NOT NULL,
	permission_key           BYTEA NOT NULL,
	profile_id               UUID,
	amount                   BIGINT NOT NULL,
	transaction              BYTEA NOT NULL,
	payment_instruction_kind SMALLINT NOT NULL,
	status                   SMALLINT NOT NULL,
	initiation_time          TIMESTAMPTZ NOT NULL,
	creation_time            TIMESTAMPTZ NOT NULL,
	auction_id               UUID,
	tx_hash                  TEXT NOT NULL DEFAULT '',
	variant                  TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS bids_pending_by_key_idx
	ON bids (permission_key) WHERE status = 0;

CREATE TABLE IF NOT EXISTS auctions (
	id                  UUID PRIMARY KEY,
	chain_id            TEXT NOT NULL,
	permission_key      BYTEA NOT NULL,
	creation_time       TIMESTAMPTZ NOT NULL,
	bid_collection_time TIMESTAMPTZ,
	submission_time     TIMESTAMPTZ,
	conclusion_time     TIMESTAMPTZ,
	tx_hash             TEXT
);
`

// InsertBid persists a new Pending bid.
func (s *Store) InsertBid(ctx context.Context, b *auction.Bid) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bids (id, chain_id, permission_key, profile_id, amount, transaction,
			payment_instruction_kind, status, initiation_time, creation_time, auction_id, tx_hash, variant)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		b.ID, b.ChainID, b.PermissionKey[:], b.ProfileID, b.Amount, b.Transaction,
		int(b.PaymentInstructionKind), int(b.Status), b.InitiationTime, b.CreationTime, b.AuctionID, b.TxHash, b.Variant)
	return err
}

// InsertAuction persists a new Auction and the bids it holds.
func (s *Store) InsertAuction(ctx context.Context, a *auction.Auction) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO auctions (id, chain_id, permission_key, creation_time, bid_collection_time, submission_time, conclusion_time, tx_hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		a.ID, a.ChainID, a.PermissionKey[:], a.CreationTime, a.BidCollectionTime, a.SubmissionTime, a.ConclusionTime, a.TxHash)
	if err != nil {
		return err
	}
	for _, b := range a.Bids {
		if _, err := tx.Exec(ctx, `UPDATE bids SET auction_id = $1 WHERE id = $2`, a.ID, b.ID); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// UpdateBidStatus performs the conditional debounce: the row only
// transitions if its current status still matches oldStatus, closing the
// race window a concurrent duplicate update would otherwise hit.
func (s *Store) UpdateBidStatus(ctx context.Context, bidID uuid.UUID, oldStatus, newStatus auction.Status, auctionID *uuid.UUID, txHash string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE bids SET status = $1, tx_hash = $2
		WHERE id = $3 AND status = $4`,
		int(newStatus), txHash, bidID, int(oldStatus))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateBidTransaction overwrites a bid's transaction payload, used when
// the quote flow injects a user signature into a pre-built Swap
// transaction.
func (s *Store) UpdateBidTransaction(ctx context.Context, bidID uuid.UUID, txBytes []byte) error {
	_, err := s.pool.Exec(ctx, `UPDATE bids SET transaction = $1 WHERE id = $2`, txBytes, bidID)
	return err
}

// SubmitAuction sets tx_hash and submission_time iff submission_time is
// currently NULL, matching the original implementation's guard against a
// retried submission clobbering an already-recorded one.
func (s *Store) SubmitAuction(ctx context.Context, auctionID uuid.UUID, txHash string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE auctions SET tx_hash = $1, submission_time = $2
		WHERE id = $3 AND submission_time IS NULL`,
		txHash, time.Now(), auctionID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ConcludeAuction sets conclusion_time.
func (s *Store) ConcludeAuction(ctx context.Context, auctionID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE auctions SET conclusion_time = $1 WHERE id = $2`, time.Now(), auctionID)
	return err
}

// LoadPendingBids returns every bid still in the Pending status, used to
// rebuild the in-memory pending index on startup.
func (s *Store) LoadPendingBids(ctx context.Context) ([]*auction.Bid, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, chain_id, permission_key, profile_id, amount, transaction,
			payment_instruction_kind, status, initiation_time, creation_time, auction_id, tx_hash, variant
		FROM bids WHERE status = $1`, int(auction.StatusPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBids(rows)
}

// LoadSubmittedAuctions returns auctions with a tx_hash but no
// conclusion_time -- the Concluder's crash-recovery poll set.
func (s *Store) LoadSubmittedAuctions(ctx context.Context) ([]*auction.Auction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, chain_id, permission_key, creation_time, bid_collection_time, submission_time, conclusion_time, tx_hash
		FROM auctions WHERE tx_hash IS NOT NULL AND conclusion_time IS NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var auctions []*auction.Auction
	for rows.Next() {
		a := &auction.Auction{}
		var pk []byte
		if err := rows.Scan(&a.ID, &a.ChainID, &pk, &a.CreationTime, &a.BidCollectionTime,
			&a.SubmissionTime, &a.ConclusionTime, &a.TxHash); err != nil {
			return nil, err
		}
		copy(a.PermissionKey[:], pk)
		auctions = append(auctions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, a := range auctions {
		bidRows, err := s.pool.Query(ctx, `
			SELECT id, chain_id, permission_key, profile_id, amount, transaction,
				payment_instruction_kind, status, initiation_time, creation_time, auction_id, tx_hash, variant
			FROM bids WHERE auction_id = $1`, a.ID)
		if err != nil {
			return nil, err
		}
		bids, err := scanBids(bidRows)
		bidRows.Close()
		if err != nil {
			return nil, err
		}
		a.Bids = bids
	}
	return auctions, nil
}

// LoadBid fetches a single bid, returning auction.ErrNotFound if absent.
func (s *Store) LoadBid(ctx context.Context, id uuid.UUID) (*auction.Bid, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, chain_id, permission_key, profile_id, amount, transaction,
			payment_instruction_kind, status, initiation_time, creation_time, auction_id, tx_hash, variant
		FROM bids WHERE id = $1`, id)

	b := &auction.Bid{}
	var pk []byte
	var kind, status int
	if err := row.Scan(&b.ID, &b.ChainID, &pk, &b.ProfileID, &b.Amount, &b.Transaction,
		&kind, &status, &b.InitiationTime, &b.CreationTime, &b.AuctionID, &b.TxHash, &b.Variant); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, auction.New(auction.KindNotFound, id.String())
		}
		return nil, err
	}
	copy(b.PermissionKey[:], pk)
	b.PaymentInstructionKind = auction.PaymentInstructionKind(kind)
	b.Status = auction.Status(status)
	return b, nil
}

func scanBids(rows pgx.Rows) ([]*auction.Bid, error) {
	var bids []*auction.Bid
	for rows.Next() {
		b := &auction.Bid{}
		var pk []byte
		var kind, status int
		if err := rows.Scan(&b.ID, &b.ChainID, &pk, &b.ProfileID, &b.Amount, &b.Transaction,
			&kind, &status, &b.InitiationTime, &b.CreationTime, &b.AuctionID, &b.TxHash, &b.Variant); err != nil {
			return nil, err
		}
		copy(b.PermissionKey[:], pk)
		b.PaymentInstructionKind = auction.PaymentInstructionKind(kind)
		b.Status = auction.Status(status)
		bids = append(bids, b)
	}
	return bids, rows.Err()
}
