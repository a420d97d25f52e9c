// Package boltstore gives every persistence boundary (ProofStore,
// OperationStore, and the storage.* repos) a concrete bbolt-backed
// body behind a single database file.
package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/0ceanSlim/nutengine/cashu"
	"github.com/0ceanSlim/nutengine/proofstore"
)

var bucketProofs = []byte("proofs")

// proofRecord is the on-disk shape of a Proof; bbolt stores bytes, so we
// JSON-encode each record keyed by "<mint_url>\x00<secret>", the secret
// as its raw bytes.
type proofRecord struct {
	MintURL              string    `json:"mint_url"`
	KeysetID             string    `json:"keyset_id"`
	Amount               uint64    `json:"amount"`
	Secret               []byte    `json:"secret"`
	UnblindedPoint       []byte    `json:"unblinded_point"`
	DLEQ                 *dleqJSON `json:"dleq,omitempty"`
	Witness              string    `json:"witness,omitempty"`
	State                int       `json:"state"`
	UsedByOperationID    string    `json:"used_by_operation_id,omitempty"`
	CreatedByOperationID string    `json:"created_by_operation_id,omitempty"`
}

type dleqJSON struct {
	E []byte `json:"e"`
	S []byte `json:"s"`
}

func proofKey(mintURL string, secret []byte) []byte {
	return []byte(mintURL + "\x00" + string(secret))
}

func toRecord(p cashu.Proof) proofRecord {
	var d *dleqJSON
	if p.DLEQ != nil {
		d = &dleqJSON{E: p.DLEQ.E, S: p.DLEQ.S}
	}
	return proofRecord{
		MintURL:              p.MintURL,
		KeysetID:             p.KeysetID,
		Amount:               p.Amount,
		Secret:               p.Secret,
		UnblindedPoint:       p.UnblindedPoint,
		DLEQ:                 d,
		Witness:              p.Witness,
		State:                int(p.State),
		UsedByOperationID:    p.UsedByOperationID,
		CreatedByOperationID: p.CreatedByOperationID,
	}
}

func fromRecord(r proofRecord) cashu.Proof {
	var d *cashu.DLEQProof
	if r.DLEQ != nil {
		d = &cashu.DLEQProof{E: r.DLEQ.E, S: r.DLEQ.S}
	}
	return cashu.Proof{
		MintURL:              r.MintURL,
		KeysetID:             r.KeysetID,
		Amount:               r.Amount,
		Secret:               r.Secret,
		UnblindedPoint:       r.UnblindedPoint,
		DLEQ:                 d,
		Witness:              r.Witness,
		State:                cashu.ProofState(r.State),
		UsedByOperationID:    r.UsedByOperationID,
		CreatedByOperationID: r.CreatedByOperationID,
	}
}

// ProofStore is a bbolt-backed proofstore.Store. A process-wide mutex
// serializes mutating operations; bbolt's own single-writer transaction
// already gives atomicity per call, the mutex additionally makes
// multi-secret batch operations (reserve, set-state) atomic as a unit.
type ProofStore struct {
	db *bbolt.DB
	mu sync.Mutex
}

var _ proofstore.Store = (*ProofStore)(nil)

func NewProofStore(db *bbolt.DB) (*ProofStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketProofs)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("boltstore: init proofs bucket: %w", err)
	}
	return &ProofStore{db: db}, nil
}

func (s *ProofStore) SaveProofs(ctx context.Context, mintURL string, proofs cashu.Proofs) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketProofs)
		for _, p := range proofs {
			key := proofKey(mintURL, p.Secret)
			if existing := b.Get(key); existing != nil {
				return cashu.New(cashu.KindDuplicateProof, "proof with secret already exists for mint %s", mintURL)
			}
		}
		for _, p := range proofs {
			p.MintURL = mintURL
			data, err := json.Marshal(toRecord(p))
			if err != nil {
				return err
			}
			if err := b.Put(proofKey(mintURL, p.Secret), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *ProofStore) loadMany(tx *bbolt.Tx, mintURL string, secrets [][]byte) ([]proofRecord, error) {
	b := tx.Bucket(bucketProofs)
	records := make([]proofRecord, len(secrets))
	for i, secret := range secrets {
		data := b.Get(proofKey(mintURL, secret))
		if data == nil {
			return nil, cashu.New(cashu.KindUnknownProof, "no proof for secret in mint %s", mintURL)
		}
		var rec proofRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, err
		}
		records[i] = rec
	}
	return records, nil
}

func (s *ProofStore) SetState(ctx context.Context, mintURL string, secrets [][]byte, newState cashu.ProofState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bbolt.Tx) error {
		records, err := s.loadMany(tx, mintURL, secrets)
		if err != nil {
			return err
		}
		for _, rec := range records {
			if cashu.ProofState(rec.State) == cashu.ProofSpent && newState != cashu.ProofSpent {
				return cashu.New(cashu.KindIllegalTransition, "cannot transition spent proof back to %s", newState)
			}
		}
		b := tx.Bucket(bucketProofs)
		for _, rec := range records {
			rec.State = int(newState)
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := b.Put(proofKey(mintURL, rec.Secret), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *ProofStore) Reserve(ctx context.Context, mintURL string, secrets [][]byte, operationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bbolt.Tx) error {
		records, err := s.loadMany(tx, mintURL, secrets)
		if err != nil {
			return err
		}
		for _, rec := range records {
			if rec.UsedByOperationID != "" && rec.UsedByOperationID != operationID {
				return cashu.New(cashu.KindAlreadyReserved, "secret reserved by operation %s", rec.UsedByOperationID)
			}
		}
		b := tx.Bucket(bucketProofs)
		for _, rec := range records {
			rec.UsedByOperationID = operationID
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := b.Put(proofKey(mintURL, rec.Secret), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *ProofStore) Release(ctx context.Context, mintURL string, secrets [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketProofs)
		for _, secret := range secrets {
			key := proofKey(mintURL, secret)
			data := b.Get(key)
			if data == nil {
				continue
			}
			var rec proofRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			rec.UsedByOperationID = ""
			out, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := b.Put(key, out); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *ProofStore) RestoreToReady(ctx context.Context, mintURL string, secrets [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bbolt.Tx) error {
		records, err := s.loadMany(tx, mintURL, secrets)
		if err != nil {
			return err
		}
		b := tx.Bucket(bucketProofs)
		for _, rec := range records {
			if cashu.ProofState(rec.State) == cashu.ProofSpent {
				return cashu.New(cashu.KindIllegalTransition, "cannot restore spent proof to ready")
			}
			rec.State = int(cashu.ProofReady)
			rec.UsedByOperationID = ""
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := b.Put(proofKey(mintURL, rec.Secret), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *ProofStore) SelectForSend(ctx context.Context, mintURL string, targetAmount uint64, unit string, allowSmallDenoms bool) (cashu.Proofs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates cashu.Proofs
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketProofs)
		c := b.Cursor()
		prefix := []byte(mintURL + "\x00")
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var rec proofRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if cashu.ProofState(rec.State) == cashu.ProofReady && rec.UsedByOperationID == "" {
				candidates = append(candidates, fromRecord(rec))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	selected, ok := proofstore.Select(candidates, targetAmount, allowSmallDenoms)
	if !ok {
		return nil, cashu.New(cashu.KindInsufficientBalance, "cannot cover %d from mint %s", targetAmount, mintURL)
	}
	return selected, nil
}

func (s *ProofStore) GetByOperationID(ctx context.Context, mintURL, operationID string) (cashu.Proofs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out cashu.Proofs
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketProofs)
		c := b.Cursor()
		prefix := []byte(mintURL + "\x00")
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var rec proofRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.UsedByOperationID == operationID || rec.CreatedByOperationID == operationID {
				out = append(out, fromRecord(rec))
			}
		}
		return nil
	})
	return out, err
}

func (s *ProofStore) GetReserved(ctx context.Context) (cashu.Proofs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out cashu.Proofs
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketProofs)
		return b.ForEach(func(k, v []byte) error {
			var rec proofRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.UsedByOperationID != "" {
				out = append(out, fromRecord(rec))
			}
			return nil
		})
	})
	return out, err
}

func (s *ProofStore) Balance(ctx context.Context, mintURL string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketProofs)
		c := b.Cursor()
		prefix := []byte(mintURL + "\x00")
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var rec proofRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if cashu.ProofState(rec.State) == cashu.ProofReady && rec.UsedByOperationID == "" {
				total += rec.Amount
			}
		}
		return nil
	})
	return total, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
