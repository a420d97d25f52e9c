package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/0ceanSlim/nutengine/cashu"
	"github.com/0ceanSlim/nutengine/opstore"
)

var bucketOperations = []byte("melt_operations")

type operationRecord struct {
	ID        string        `json:"id"`
	MintURL   string        `json:"mint_url"`
	Unit      string        `json:"unit"`
	Method    string        `json:"method"`
	State     int           `json:"state"`
	Prepared  *preparedJSON `json:"prepared,omitempty"`
	Error     string        `json:"error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

type preparedJSON struct {
	QuoteID           string          `json:"quote_id"`
	Amount            uint64          `json:"amount"`
	FeeReserve        uint64          `json:"fee_reserve"`
	SwapFee           uint64          `json:"swap_fee"`
	NeedsSwap         bool            `json:"needs_swap"`
	InputAmount       uint64          `json:"input_amount"`
	InputProofSecrets [][]byte        `json:"input_proof_secrets"`
	ChangeOutputData  outputDataJSON  `json:"change_output_data"`
	SwapOutputData    *outputDataJSON `json:"swap_output_data,omitempty"`
}

type outputDataJSON struct {
	MintURL      string   `json:"mint_url"`
	KeysetID     string   `json:"keyset_id"`
	StartCounter uint64   `json:"start_counter"`
	Amounts      []uint64 `json:"amounts"`
}

func toOutputDataJSON(o cashu.OutputData) outputDataJSON {
	return outputDataJSON{MintURL: o.MintURL, KeysetID: o.KeysetID, StartCounter: o.StartCounter, Amounts: o.Amounts}
}

func fromOutputDataJSON(o outputDataJSON) cashu.OutputData {
	return cashu.OutputData{MintURL: o.MintURL, KeysetID: o.KeysetID, StartCounter: o.StartCounter, Amounts: o.Amounts}
}

func toOpRecord(op opstore.MeltOperation) operationRecord {
	rec := operationRecord{
		ID:        op.ID,
		MintURL:   op.MintURL,
		Unit:      op.Unit,
		Method:    op.Method,
		State:     int(op.State),
		Error:     op.Error,
		CreatedAt: op.CreatedAt,
		UpdatedAt: op.UpdatedAt,
	}
	if op.Prepared != nil {
		p := &preparedJSON{
			QuoteID:           op.Prepared.QuoteID,
			Amount:            op.Prepared.Amount,
			FeeReserve:        op.Prepared.FeeReserve,
			SwapFee:           op.Prepared.SwapFee,
			NeedsSwap:         op.Prepared.NeedsSwap,
			InputAmount:       op.Prepared.InputAmount,
			InputProofSecrets: op.Prepared.InputProofSecrets,
			ChangeOutputData:  toOutputDataJSON(op.Prepared.ChangeOutputData),
		}
		if op.Prepared.SwapOutputData != nil {
			sod := toOutputDataJSON(*op.Prepared.SwapOutputData)
			p.SwapOutputData = &sod
		}
		rec.Prepared = p
	}
	return rec
}

func fromOpRecord(rec operationRecord) opstore.MeltOperation {
	op := opstore.MeltOperation{
		ID:        rec.ID,
		MintURL:   rec.MintURL,
		Unit:      rec.Unit,
		Method:    rec.Method,
		State:     opstore.MeltState(rec.State),
		Error:     rec.Error,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	if rec.Prepared != nil {
		p := &opstore.PreparedData{
			QuoteID:           rec.Prepared.QuoteID,
			Amount:            rec.Prepared.Amount,
			FeeReserve:        rec.Prepared.FeeReserve,
			SwapFee:           rec.Prepared.SwapFee,
			NeedsSwap:         rec.Prepared.NeedsSwap,
			InputAmount:       rec.Prepared.InputAmount,
			InputProofSecrets: rec.Prepared.InputProofSecrets,
			ChangeOutputData:  fromOutputDataJSON(rec.Prepared.ChangeOutputData),
		}
		if rec.Prepared.SwapOutputData != nil {
			sod := fromOutputDataJSON(*rec.Prepared.SwapOutputData)
			p.SwapOutputData = &sod
		}
		op.Prepared = p
	}
	return op
}

// OperationStore is a bbolt-backed opstore.Store.
type OperationStore struct {
	db *bbolt.DB
	mu sync.Mutex
}

var _ opstore.Store = (*OperationStore)(nil)

func NewOperationStore(db *bbolt.DB) (*OperationStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketOperations)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("boltstore: init operations bucket: %w", err)
	}
	return &OperationStore{db: db}, nil
}

func (s *OperationStore) Create(ctx context.Context, op opstore.MeltOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketOperations)
		if b.Get([]byte(op.ID)) != nil {
			return fmt.Errorf("boltstore: operation %s already exists", op.ID)
		}
		data, err := json.Marshal(toOpRecord(op))
		if err != nil {
			return err
		}
		return b.Put([]byte(op.ID), data)
	})
}

func (s *OperationStore) Get(ctx context.Context, id string) (opstore.MeltOperation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var op opstore.MeltOperation
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketOperations).Get([]byte(id))
		if data == nil {
			return nil
		}
		var rec operationRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		op = fromOpRecord(rec)
		found = true
		return nil
	})
	return op, found, err
}

func (s *OperationStore) Update(ctx context.Context, op opstore.MeltOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketOperations)
		if b.Get([]byte(op.ID)) == nil {
			return fmt.Errorf("boltstore: operation %s does not exist", op.ID)
		}
		data, err := json.Marshal(toOpRecord(op))
		if err != nil {
			return err
		}
		return b.Put([]byte(op.ID), data)
	})
}

func (s *OperationStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOperations).Delete([]byte(id))
	})
}

func (s *OperationStore) ListByState(ctx context.Context, mintURL string, state opstore.MeltState) ([]opstore.MeltOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []opstore.MeltOperation
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOperations).ForEach(func(k, v []byte) error {
			var rec operationRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.MintURL == mintURL && opstore.MeltState(rec.State) == state {
				out = append(out, fromOpRecord(rec))
			}
			return nil
		})
	})
	return out, err
}

func (s *OperationStore) GetByQuoteID(ctx context.Context, mintURL, quoteID string) (opstore.MeltOperation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var op opstore.MeltOperation
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOperations).ForEach(func(k, v []byte) error {
			if found {
				return nil
			}
			var rec operationRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.MintURL == mintURL && rec.Prepared != nil && rec.Prepared.QuoteID == quoteID {
				op = fromOpRecord(rec)
				found = true
			}
			return nil
		})
	})
	return op, found, err
}
