package relay

import (
	"context"
	"database/sql"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

var ErrTxNotFound = errors.New("transaction not found")

// dbStoredTransaction is the sqlx-mapped row for relay_tx, following the
// teacher's DBSbundle convention of a dedicated db-tagged struct distinct
// from the domain type.
type dbStoredTransaction struct {
	TxHash           []byte        `db:"tx_hash"`
	FromAddress      []byte        `db:"from_address"`
	ToAddress        []byte        `db:"to_address"`
	Nonce            int64         `db:"nonce"`
	GasPrice         string        `db:"gas_price"`
	GasLimit         int64         `db:"gas_limit"`
	Value            string        `db:"value"`
	Data             []byte        `db:"data"`
	CreationBlock    int64         `db:"creation_block"`
	CreationTime     time.Time     `db:"creation_time"`
	ServerAction     string        `db:"server_action"`
	MinedBlock       sql.NullInt64 `db:"mined_block"`
}

const createTableQuery = `
CREATE TABLE IF NOT EXISTS relay_tx (
	tx_hash        BYTEA NOT NULL,
	from_address   BYTEA NOT NULL,
	to_address     BYTEA NOT NULL,
	nonce          BIGINT NOT NULL,
	gas_price      TEXT NOT NULL,
	gas_limit      BIGINT NOT NULL,
	value          TEXT NOT NULL,
	data           BYTEA NOT NULL,
	creation_block BIGINT NOT NULL,
	creation_time  TIMESTAMPTZ NOT NULL,
	server_action  TEXT NOT NULL,
	mined_block    BIGINT,
	PRIMARY KEY (from_address, nonce)
)`

var putTxQuery = `
INSERT INTO relay_tx (tx_hash, from_address, to_address, nonce, gas_price, gas_limit, value, data,
                       creation_block, creation_time, server_action, mined_block)
VALUES (:tx_hash, :from_address, :to_address, :nonce, :gas_price, :gas_limit, :value, :data,
        :creation_block, :creation_time, :server_action, :mined_block)
ON CONFLICT (from_address, nonce) DO UPDATE SET
	tx_hash = EXCLUDED.tx_hash,
	to_address = EXCLUDED.to_address,
	gas_price = EXCLUDED.gas_price,
	gas_limit = EXCLUDED.gas_limit,
	value = EXCLUDED.value,
	data = EXCLUDED.data,
	creation_block = EXCLUDED.creation_block,
	creation_time = EXCLUDED.creation_time,
	server_action = EXCLUDED.server_action,
	mined_block = EXCLUDED.mined_block`

var getAllBySignerQuery = `
SELECT tx_hash, from_address, to_address, nonce, gas_price, gas_limit, value, data,
       creation_block, creation_time, server_action, mined_block
FROM relay_tx
WHERE from_address = $1
ORDER BY nonce ASC`

var removeTxsUntilNonceQuery = `
DELETE FROM relay_tx
WHERE from_address = $1 AND nonce <= $2 AND mined_block IS NOT NULL`

// TxStore is the durable per-(signer,nonce) transaction journal described in
// spec.md §4.1, backed by PostgreSQL through sqlx/lib/pq.
type TxStore struct {
	db       *sqlx.DB
	putStmt  *sqlx.NamedStmt
	getStmt  *sqlx.Stmt
}

func NewTxStore(dsn string) (*TxStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)

	if _, err := db.Exec(createTableQuery); err != nil {
		return nil, err
	}

	putStmt, err := db.PrepareNamed(putTxQuery)
	if err != nil {
		return nil, err
	}
	getStmt, err := db.Preparex(getAllBySignerQuery)
	if err != nil {
		return nil, err
	}

	return &TxStore{db: db, putStmt: putStmt, getStmt: getStmt}, nil
}

func (s *TxStore) Close() error {
	return s.db.Close()
}

func toDBRow(tx *StoredTransaction) dbStoredTransaction {
	row := dbStoredTransaction{
		TxHash:        tx.TxHash.Bytes(),
		FromAddress:   tx.From.Bytes(),
		ToAddress:     tx.To.Bytes(),
		Nonce:         int64(tx.Nonce),
		GasPrice:      tx.GasPrice.String(),
		GasLimit:      int64(tx.GasLimit),
		Value:         tx.Value.String(),
		Data:          tx.Data,
		CreationBlock: int64(tx.CreationBlockNumber),
		CreationTime:  tx.CreationTimestamp,
		ServerAction:  string(tx.ServerAction),
	}
	if tx.MinedBlockNumber != nil {
		row.MinedBlock = sql.NullInt64{Int64: int64(*tx.MinedBlockNumber), Valid: true}
	}
	return row
}

func fromDBRow(row dbStoredTransaction) (*StoredTransaction, error) {
	gasPrice, ok := new(big.Int).SetString(row.GasPrice, 10)
	if !ok {
		return nil, errors.New("invalid gas_price in storage")
	}
	value, ok := new(big.Int).SetString(row.Value, 10)
	if !ok {
		return nil, errors.New("invalid value in storage")
	}
	tx := &StoredTransaction{
		TxHash:              common.BytesToHash(row.TxHash),
		From:                common.BytesToAddress(row.FromAddress),
		To:                  common.BytesToAddress(row.ToAddress),
		Nonce:               uint64(row.Nonce),
		GasPrice:            gasPrice,
		GasLimit:            uint64(row.GasLimit),
		Value:               value,
		Data:                row.Data,
		CreationBlockNumber: uint64(row.CreationBlock),
		CreationTimestamp:   row.CreationTime,
		ServerAction:        ServerAction(row.ServerAction),
	}
	if row.MinedBlock.Valid {
		mined := uint64(row.MinedBlock.Int64)
		tx.MinedBlockNumber = &mined
	}
	return tx, nil
}

// Put inserts or replaces the record for (tx.From, tx.Nonce). This is the
// single write path used both for original broadcasts and for in-place
// boost replacement.
func (s *TxStore) Put(ctx context.Context, tx *StoredTransaction) error {
	row := toDBRow(tx)
	_, err := s.putStmt.ExecContext(ctx, row)
	return err
}

// GetAllBySigner returns every stored transaction for signer, ascending by nonce.
func (s *TxStore) GetAllBySigner(ctx context.Context, signer common.Address) ([]*StoredTransaction, error) {
	var rows []dbStoredTransaction
	if err := s.getStmt.SelectContext(ctx, &rows, signer.Bytes()); err != nil {
		return nil, err
	}
	txs := make([]*StoredTransaction, 0, len(rows))
	for _, row := range rows {
		tx, err := fromDBRow(row)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

// GetOldestPending returns the lowest-nonce unmined record for signer, or
// ErrTxNotFound if none exists.
func (s *TxStore) GetOldestPending(ctx context.Context, signer common.Address) (*StoredTransaction, error) {
	txs, err := s.GetAllBySigner(ctx, signer)
	if err != nil {
		return nil, err
	}
	for _, tx := range txs {
		if !tx.IsMined() {
			return tx, nil
		}
	}
	return nil, ErrTxNotFound
}

// IsActionPending reports whether an unmined record with the given action
// exists for signer.
func (s *TxStore) IsActionPending(ctx context.Context, action ServerAction, signer common.Address) (bool, error) {
	txs, err := s.GetAllBySigner(ctx, signer)
	if err != nil {
		return false, err
	}
	for _, tx := range txs {
		if !tx.IsMined() && tx.ServerAction == action {
			return true, nil
		}
	}
	return false, nil
}

// RemoveTxsUntilNonce deletes every mined record for signer with nonce <= n.
func (s *TxStore) RemoveTxsUntilNonce(ctx context.Context, signer common.Address, n uint64) error {
	_, err := s.db.ExecContext(ctx, removeTxsUntilNonceQuery, signer.Bytes(), int64(n))
	return err
}
