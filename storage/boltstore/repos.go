package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/0ceanSlim/nutengine/crypto"
	"github.com/0ceanSlim/nutengine/storage"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

var (
	bucketMints      = []byte("trusted_mints")
	bucketKeysets    = []byte("keysets")
	bucketCounters   = []byte("counters")
	bucketMintQuotes = []byte("mint_quotes")
	bucketMeltQuotes = []byte("melt_quotes")
	bucketHistory    = []byte("history")
)

// Repos bundles every storage.* repo implementation over one shared
// bbolt database, alongside ProofStore and OperationStore above — the
// whole persistence boundary behind one *bbolt.DB and one open file.
type Repos struct {
	db *bbolt.DB
	mu sync.Mutex

	ProofStore     *ProofStore
	OperationStore *OperationStore
}

func Open(path string) (*Repos, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketMints, bucketKeysets, bucketCounters, bucketMintQuotes, bucketMeltQuotes, bucketHistory} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	proofs, err := NewProofStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	ops, err := NewOperationStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Repos{db: db, ProofStore: proofs, OperationStore: ops}, nil
}

func (r *Repos) Close() error { return r.db.Close() }

// MintRepo ---------------------------------------------------------------

type MintRepo struct{ r *Repos }

func (r *Repos) MintRepo() *MintRepo { return &MintRepo{r: r} }

var _ storage.MintRepo = (*MintRepo)(nil)

func (m *MintRepo) Trust(ctx context.Context, mint storage.TrustedMint) error {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()
	return m.r.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(mint)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMints).Put([]byte(mint.URL), data)
	})
}

func (m *MintRepo) Untrust(ctx context.Context, mintURL string) error {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()
	return m.r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMints).Delete([]byte(mintURL))
	})
}

func (m *MintRepo) IsTrusted(ctx context.Context, mintURL string) (bool, error) {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()
	trusted := false
	err := m.r.db.View(func(tx *bbolt.Tx) error {
		trusted = tx.Bucket(bucketMints).Get([]byte(mintURL)) != nil
		return nil
	})
	return trusted, err
}

func (m *MintRepo) ListTrusted(ctx context.Context) ([]storage.TrustedMint, error) {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()
	var out []storage.TrustedMint
	err := m.r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMints).ForEach(func(k, v []byte) error {
			var mint storage.TrustedMint
			if err := json.Unmarshal(v, &mint); err != nil {
				return err
			}
			out = append(out, mint)
			return nil
		})
	})
	return out, err
}

// KeysetRepo ---------------------------------------------------------------

type KeysetRepo struct{ r *Repos }

func (r *Repos) KeysetRepo() *KeysetRepo { return &KeysetRepo{r: r} }

var _ storage.KeysetRepo = (*KeysetRepo)(nil)

type keysetRecord struct {
	MintURL     string            `json:"mint_url"`
	ID          string            `json:"id"`
	Unit        string            `json:"unit"`
	InputFeePpk uint              `json:"input_fee_ppk"`
	Keys        map[string][]byte `json:"keys"` // amount (decimal string) -> compressed pubkey
}

func keysetKey(mintURL, id string) []byte { return []byte(mintURL + "\x00" + id) }

func (k *KeysetRepo) SaveKeyset(ctx context.Context, keyset crypto.Keyset) error {
	k.r.mu.Lock()
	defer k.r.mu.Unlock()
	rec := keysetRecord{MintURL: keyset.MintURL, ID: keyset.ID, Unit: keyset.Unit, InputFeePpk: keyset.InputFeePpk, Keys: map[string][]byte{}}
	for amount, pk := range keyset.Keys {
		rec.Keys[fmt.Sprintf("%d", amount)] = pk.SerializeCompressed()
	}
	return k.r.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketKeysets).Put(keysetKey(keyset.MintURL, keyset.ID), data)
	})
}

func (k *KeysetRepo) GetKeyset(ctx context.Context, mintURL, keysetID string) (crypto.Keyset, bool, error) {
	k.r.mu.Lock()
	defer k.r.mu.Unlock()
	var out crypto.Keyset
	found := false
	err := k.r.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketKeysets).Get(keysetKey(mintURL, keysetID))
		if data == nil {
			return nil
		}
		var rec keysetRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		ks, err := recordToKeyset(rec)
		if err != nil {
			return err
		}
		out = ks
		found = true
		return nil
	})
	return out, found, err
}

func (k *KeysetRepo) ListKeysets(ctx context.Context, mintURL string) ([]crypto.Keyset, error) {
	k.r.mu.Lock()
	defer k.r.mu.Unlock()
	var out []crypto.Keyset
	prefix := []byte(mintURL + "\x00")
	err := k.r.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketKeysets).Cursor()
		for kk, v := c.Seek(prefix); kk != nil && hasPrefix(kk, prefix); kk, v = c.Next() {
			var rec keysetRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			ks, err := recordToKeyset(rec)
			if err != nil {
				return err
			}
			out = append(out, ks)
		}
		return nil
	})
	return out, err
}

func recordToKeyset(rec keysetRecord) (crypto.Keyset, error) {
	ks := crypto.Keyset{
		MintURL:     rec.MintURL,
		ID:          rec.ID,
		Unit:        rec.Unit,
		InputFeePpk: rec.InputFeePpk,
		Keys:        make(map[uint64]*secp256k1.PublicKey, len(rec.Keys)),
	}
	for amountStr, raw := range rec.Keys {
		var amount uint64
		if _, err := fmt.Sscanf(amountStr, "%d", &amount); err != nil {
			return crypto.Keyset{}, fmt.Errorf("boltstore: bad keyset amount %q: %w", amountStr, err)
		}
		pk, err := secp256k1.ParsePubKey(raw)
		if err != nil {
			return crypto.Keyset{}, fmt.Errorf("boltstore: bad keyset key for amount %s: %w", amountStr, err)
		}
		ks.Keys[amount] = pk
	}
	return ks, nil
}

// CounterRepo ---------------------------------------------------------------

type CounterRepo struct{ r *Repos }

func (r *Repos) CounterRepo() *CounterRepo { return &CounterRepo{r: r} }

var _ storage.CounterRepo = (*CounterRepo)(nil)

func counterKey(mintURL, keysetID string) []byte { return []byte(mintURL + "\x00" + keysetID) }

func (c *CounterRepo) Reserve(ctx context.Context, mintURL, keysetID string, n uint64) (uint64, error) {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	var start uint64
	err := c.r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCounters)
		key := counterKey(mintURL, keysetID)
		data := b.Get(key)
		if data != nil {
			start = binary.BigEndian.Uint64(data)
		}
		var next [8]byte
		binary.BigEndian.PutUint64(next[:], start+n)
		return b.Put(key, next[:])
	})
	return start, err
}

func (c *CounterRepo) Current(ctx context.Context, mintURL, keysetID string) (uint64, error) {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	var cur uint64
	err := c.r.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketCounters).Get(counterKey(mintURL, keysetID))
		if data != nil {
			cur = binary.BigEndian.Uint64(data)
		}
		return nil
	})
	return cur, err
}

// MintQuoteRepo ---------------------------------------------------------------

type MintQuoteRepo struct{ r *Repos }

func (r *Repos) MintQuoteRepo() *MintQuoteRepo { return &MintQuoteRepo{r: r} }

var _ storage.MintQuoteRepo = (*MintQuoteRepo)(nil)

func quoteKey(mintURL, id string) []byte { return []byte(mintURL + "\x00" + id) }

func (q *MintQuoteRepo) Save(ctx context.Context, quote storage.CachedMintQuote) error {
	q.r.mu.Lock()
	defer q.r.mu.Unlock()
	return q.r.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(quote)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMintQuotes).Put(quoteKey(quote.MintURL, quote.ID), data)
	})
}

func (q *MintQuoteRepo) Get(ctx context.Context, mintURL, id string) (storage.CachedMintQuote, bool, error) {
	q.r.mu.Lock()
	defer q.r.mu.Unlock()
	var out storage.CachedMintQuote
	found := false
	err := q.r.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketMintQuotes).Get(quoteKey(mintURL, id))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &out); err != nil {
			return err
		}
		found = true
		return nil
	})
	return out, found, err
}

func (q *MintQuoteRepo) UpdateState(ctx context.Context, mintURL, id, state string) error {
	q.r.mu.Lock()
	defer q.r.mu.Unlock()
	return q.r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMintQuotes)
		key := quoteKey(mintURL, id)
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("boltstore: unknown mint quote %s for %s", id, mintURL)
		}
		var quote storage.CachedMintQuote
		if err := json.Unmarshal(data, &quote); err != nil {
			return err
		}
		quote.State = state
		out, err := json.Marshal(quote)
		if err != nil {
			return err
		}
		return b.Put(key, out)
	})
}

// MeltQuoteRepo ---------------------------------------------------------------

type MeltQuoteRepo struct{ r *Repos }

func (r *Repos) MeltQuoteRepo() *MeltQuoteRepo { return &MeltQuoteRepo{r: r} }

var _ storage.MeltQuoteRepo = (*MeltQuoteRepo)(nil)

func (q *MeltQuoteRepo) Save(ctx context.Context, quote storage.CachedMeltQuote) error {
	q.r.mu.Lock()
	defer q.r.mu.Unlock()
	return q.r.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(quote)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMeltQuotes).Put(quoteKey(quote.MintURL, quote.ID), data)
	})
}

func (q *MeltQuoteRepo) Get(ctx context.Context, mintURL, id string) (storage.CachedMeltQuote, bool, error) {
	q.r.mu.Lock()
	defer q.r.mu.Unlock()
	var out storage.CachedMeltQuote
	found := false
	err := q.r.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketMeltQuotes).Get(quoteKey(mintURL, id))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &out); err != nil {
			return err
		}
		found = true
		return nil
	})
	return out, found, err
}

func (q *MeltQuoteRepo) UpdateState(ctx context.Context, mintURL, id, state string) error {
	q.r.mu.Lock()
	defer q.r.mu.Unlock()
	return q.r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMeltQuotes)
		key := quoteKey(mintURL, id)
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("boltstore: unknown melt quote %s for %s", id, mintURL)
		}
		var quote storage.CachedMeltQuote
		if err := json.Unmarshal(data, &quote); err != nil {
			return err
		}
		quote.State = state
		out, err := json.Marshal(quote)
		if err != nil {
			return err
		}
		return b.Put(key, out)
	})
}

// HistoryRepo ---------------------------------------------------------------

type HistoryRepo struct{ r *Repos }

func (r *Repos) HistoryRepo() *HistoryRepo { return &HistoryRepo{r: r} }

var _ storage.HistoryRepo = (*HistoryRepo)(nil)

func (h *HistoryRepo) Append(ctx context.Context, entry storage.HistoryEntry) error {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	return h.r.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		key := []byte(entry.MintURL + "\x00" + entry.ID)
		return tx.Bucket(bucketHistory).Put(key, data)
	})
}

func (h *HistoryRepo) List(ctx context.Context, mintURL string, limit int) ([]storage.HistoryEntry, error) {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	var out []storage.HistoryEntry
	prefix := []byte(mintURL + "\x00")
	err := h.r.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketHistory).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var entry storage.HistoryEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			out = append(out, entry)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}
