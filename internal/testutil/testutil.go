// Package testutil provides the in-memory fakes the engine's tests
// share: a scriptable mint gateway, memory-backed stores and repos, and
// a signing helper that behaves like a mint's blind signer.
package testutil

import (
	"context"
	"encoding/hex"
	"sort"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/0ceanSlim/nutengine/cashu"
	"github.com/0ceanSlim/nutengine/crypto"
	"github.com/0ceanSlim/nutengine/gateway"
	"github.com/0ceanSlim/nutengine/opstore"
	"github.com/0ceanSlim/nutengine/proofstore"
	"github.com/0ceanSlim/nutengine/storage"
)

// TestKeysetID is the keyset id every fake component agrees on.
const TestKeysetID = "00ad268c4d1f5826"

// NewMintKey derives a deterministic mint signing key for tests.
func NewMintKey() *secp256k1.PrivateKey {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	return secp256k1.PrivKeyFromBytes(seed)
}

// NewKeyset builds a keyset whose every power-of-two denomination up to
// 2^20 is signed by key, mirroring a real mint's single-key-per-amount
// layout closely enough for unblinding.
func NewKeyset(mintURL string, key *secp256k1.PrivateKey) crypto.Keyset {
	ks := crypto.Keyset{
		MintURL: mintURL,
		ID:      TestKeysetID,
		Unit:    "sat",
		Keys:    make(map[uint64]*secp256k1.PublicKey),
	}
	for i := 0; i <= 20; i++ {
		ks.Keys[uint64(1)<<uint(i)] = key.PubKey()
	}
	return ks
}

// BlindSign signs a blinded message the way a mint does: C_ = k*B_.
func BlindSign(key *secp256k1.PrivateKey, msg cashu.BlindedMessage) (cashu.BlindedSignature, error) {
	B_, err := secp256k1.ParsePubKey(msg.B_)
	if err != nil {
		return cashu.BlindedSignature{}, err
	}
	var Bj, Cj secp256k1.JacobianPoint
	B_.AsJacobian(&Bj)
	secp256k1.ScalarMultNonConst(&key.Key, &Bj, &Cj)
	Cj.ToAffine()
	C_ := secp256k1.NewPublicKey(&Cj.X, &Cj.Y)
	return cashu.BlindedSignature{
		Amount:   msg.Amount,
		KeysetID: msg.KeysetID,
		C_:       C_.SerializeCompressed(),
	}, nil
}

// FakeGateway is a scriptable gateway.Gateway. Zero-value fields mean
// "not scripted"; calls against them return zero values (an empty melt
// quote or melt result, UNSPENT for an unscripted Y) rather than
// failing.
type FakeGateway struct {
	Key *secp256k1.PrivateKey

	mu sync.Mutex

	MeltQuote    gateway.MeltQuote
	MeltQuoteErr error

	// CheckMeltStates returns successive states for CheckMeltQuote, one
	// per call; the last entry repeats once exhausted.
	CheckMeltStates []string
	CheckMeltChange cashu.BlindedSignatures
	checkMeltCalls  int

	MeltResult    gateway.MeltResult
	MeltResultErr error

	// ProofStates maps hex Y -> state for CheckProofStates.
	ProofStates map[string]cashu.ProofMintState

	SwapErr error

	// BlockCheckMelt, when non-nil, is received from inside
	// CheckMeltQuote before answering, letting tests hold an operation
	// lock open. CheckMeltEntered, when non-nil, gets a non-blocking
	// send just before parking so tests know the lock is held.
	BlockCheckMelt   chan struct{}
	CheckMeltEntered chan struct{}

	SwapCalls   int
	MeltCalls   int
	SwapInputs  cashu.Proofs
	MeltInputs  cashu.Proofs
	MeltOutputs cashu.BlindedMessages
}

var _ gateway.Gateway = (*FakeGateway)(nil)

func (g *FakeGateway) GetInfo(ctx context.Context, mintURL string) (gateway.Info, error) {
	return gateway.Info{Name: "fake mint"}, nil
}

func (g *FakeGateway) GetKeysets(ctx context.Context, mintURL string) ([]gateway.KeysetInfo, error) {
	return []gateway.KeysetInfo{{ID: TestKeysetID, Unit: "sat", Active: true}}, nil
}

func (g *FakeGateway) GetKeys(ctx context.Context, mintURL, keysetID string) (crypto.Keyset, error) {
	return NewKeyset(mintURL, g.Key), nil
}

func (g *FakeGateway) CreateMintQuote(ctx context.Context, mintURL string, amount uint64, unit string) (gateway.MintQuote, error) {
	return gateway.MintQuote{ID: "mint-quote", Amount: amount, State: "UNPAID"}, nil
}

func (g *FakeGateway) CheckMintQuote(ctx context.Context, mintURL, quoteID string) (gateway.MintQuote, error) {
	return gateway.MintQuote{ID: quoteID, State: "UNPAID"}, nil
}

func (g *FakeGateway) CreateMeltQuote(ctx context.Context, mintURL, invoice, unit string) (gateway.MeltQuote, error) {
	if g.MeltQuoteErr != nil {
		return gateway.MeltQuote{}, g.MeltQuoteErr
	}
	return g.MeltQuote, nil
}

func (g *FakeGateway) CheckMeltQuote(ctx context.Context, mintURL, quoteID string) (gateway.MeltQuote, error) {
	if g.BlockCheckMelt != nil {
		if g.CheckMeltEntered != nil {
			select {
			case g.CheckMeltEntered <- struct{}{}:
			default:
			}
		}
		<-g.BlockCheckMelt
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	quote := g.MeltQuote
	quote.ID = quoteID
	if len(g.CheckMeltStates) > 0 {
		idx := g.checkMeltCalls
		if idx >= len(g.CheckMeltStates) {
			idx = len(g.CheckMeltStates) - 1
		}
		quote.State = g.CheckMeltStates[idx]
		g.checkMeltCalls++
	}
	quote.Change = g.CheckMeltChange
	return quote, nil
}

func (g *FakeGateway) CheckProofStates(ctx context.Context, mintURL string, ys [][]byte) ([]gateway.ProofStateResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]gateway.ProofStateResult, len(ys))
	for i, y := range ys {
		state, ok := g.ProofStates[hex.EncodeToString(y)]
		if !ok {
			state = cashu.MintStateUnspent
		}
		out[i] = gateway.ProofStateResult{Y: y, State: state}
	}
	return out, nil
}

// SetProofState scripts the mint-side state of one Y.
func (g *FakeGateway) SetProofState(yHex string, state cashu.ProofMintState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ProofStates == nil {
		g.ProofStates = make(map[string]cashu.ProofMintState)
	}
	g.ProofStates[yHex] = state
}

func (g *FakeGateway) MeltBolt11(ctx context.Context, mintURL, quoteID string, inputs cashu.Proofs, outputs cashu.BlindedMessages) (gateway.MeltResult, error) {
	g.mu.Lock()
	g.MeltCalls++
	g.MeltInputs = inputs
	g.MeltOutputs = outputs
	g.mu.Unlock()
	if g.MeltResultErr != nil {
		return gateway.MeltResult{}, g.MeltResultErr
	}
	return g.MeltResult, nil
}

func (g *FakeGateway) Swap(ctx context.Context, mintURL string, inputs cashu.Proofs, outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	g.mu.Lock()
	g.SwapCalls++
	g.SwapInputs = inputs
	g.mu.Unlock()
	if g.SwapErr != nil {
		return nil, g.SwapErr
	}
	sigs := make(cashu.BlindedSignatures, len(outputs))
	for i, out := range outputs {
		sig, err := BlindSign(g.Key, out)
		if err != nil {
			return nil, err
		}
		sigs[i] = sig
	}
	return sigs, nil
}

// MemProofStore is an in-memory proofstore.Store with the same
// contract the bbolt implementation honors.
type MemProofStore struct {
	mu     sync.Mutex
	proofs map[string]cashu.Proof // mintURL\x00secret
}

var _ proofstore.Store = (*MemProofStore)(nil)

func NewMemProofStore() *MemProofStore {
	return &MemProofStore{proofs: make(map[string]cashu.Proof)}
}

func key(mintURL string, secret []byte) string { return mintURL + "\x00" + string(secret) }

func (s *MemProofStore) SaveProofs(ctx context.Context, mintURL string, proofs cashu.Proofs) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range proofs {
		if _, exists := s.proofs[key(mintURL, p.Secret)]; exists {
			return cashu.New(cashu.KindDuplicateProof, "proof with secret already exists for mint %s", mintURL)
		}
	}
	for _, p := range proofs {
		p.MintURL = mintURL
		s.proofs[key(mintURL, p.Secret)] = p
	}
	return nil
}

func (s *MemProofStore) SetState(ctx context.Context, mintURL string, secrets [][]byte, newState cashu.ProofState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, secret := range secrets {
		p, ok := s.proofs[key(mintURL, secret)]
		if !ok {
			return cashu.New(cashu.KindUnknownProof, "no proof for secret in mint %s", mintURL)
		}
		if p.State == cashu.ProofSpent && newState != cashu.ProofSpent {
			return cashu.New(cashu.KindIllegalTransition, "cannot transition spent proof back to %s", newState)
		}
	}
	for _, secret := range secrets {
		p := s.proofs[key(mintURL, secret)]
		p.State = newState
		s.proofs[key(mintURL, secret)] = p
	}
	return nil
}

func (s *MemProofStore) Reserve(ctx context.Context, mintURL string, secrets [][]byte, operationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, secret := range secrets {
		p, ok := s.proofs[key(mintURL, secret)]
		if !ok {
			return cashu.New(cashu.KindUnknownProof, "no proof for secret in mint %s", mintURL)
		}
		if p.UsedByOperationID != "" && p.UsedByOperationID != operationID {
			return cashu.New(cashu.KindAlreadyReserved, "secret reserved by operation %s", p.UsedByOperationID)
		}
	}
	for _, secret := range secrets {
		p := s.proofs[key(mintURL, secret)]
		p.UsedByOperationID = operationID
		s.proofs[key(mintURL, secret)] = p
	}
	return nil
}

func (s *MemProofStore) Release(ctx context.Context, mintURL string, secrets [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, secret := range secrets {
		if p, ok := s.proofs[key(mintURL, secret)]; ok {
			p.UsedByOperationID = ""
			s.proofs[key(mintURL, secret)] = p
		}
	}
	return nil
}

func (s *MemProofStore) RestoreToReady(ctx context.Context, mintURL string, secrets [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, secret := range secrets {
		p, ok := s.proofs[key(mintURL, secret)]
		if !ok {
			return cashu.New(cashu.KindUnknownProof, "no proof for secret in mint %s", mintURL)
		}
		if p.State == cashu.ProofSpent {
			return cashu.New(cashu.KindIllegalTransition, "cannot restore spent proof to ready")
		}
	}
	for _, secret := range secrets {
		p := s.proofs[key(mintURL, secret)]
		p.State = cashu.ProofReady
		p.UsedByOperationID = ""
		s.proofs[key(mintURL, secret)] = p
	}
	return nil
}

func (s *MemProofStore) readyCandidates(mintURL string) cashu.Proofs {
	var out cashu.Proofs
	for _, p := range s.proofs {
		if p.MintURL == mintURL && p.State == cashu.ProofReady && p.UsedByOperationID == "" {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return string(out[i].Secret) < string(out[j].Secret) })
	return out
}

func (s *MemProofStore) SelectForSend(ctx context.Context, mintURL string, targetAmount uint64, unit string, allowSmallDenoms bool) (cashu.Proofs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	selected, ok := proofstore.Select(s.readyCandidates(mintURL), targetAmount, allowSmallDenoms)
	if !ok {
		return nil, cashu.New(cashu.KindInsufficientBalance, "cannot cover %d from mint %s", targetAmount, mintURL)
	}
	return selected, nil
}

func (s *MemProofStore) GetByOperationID(ctx context.Context, mintURL, operationID string) (cashu.Proofs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out cashu.Proofs
	for _, p := range s.proofs {
		if p.MintURL == mintURL && (p.UsedByOperationID == operationID || p.CreatedByOperationID == operationID) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *MemProofStore) GetReserved(ctx context.Context) (cashu.Proofs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out cashu.Proofs
	for _, p := range s.proofs {
		if p.UsedByOperationID != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *MemProofStore) Balance(ctx context.Context, mintURL string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total uint64
	for _, p := range s.proofs {
		if p.MintURL == mintURL && p.State == cashu.ProofReady && p.UsedByOperationID == "" {
			total += p.Amount
		}
	}
	return total, nil
}

// Get returns one proof by secret, for assertions.
func (s *MemProofStore) Get(mintURL string, secret []byte) (cashu.Proof, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proofs[key(mintURL, secret)]
	return p, ok
}

// Delete removes one proof outright, simulating a crash before save.
func (s *MemProofStore) Delete(mintURL string, secret []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.proofs, key(mintURL, secret))
}

// All returns every stored proof.
func (s *MemProofStore) All() cashu.Proofs {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out cashu.Proofs
	for _, p := range s.proofs {
		out = append(out, p)
	}
	return out
}

// MemOpStore is an in-memory opstore.Store.
type MemOpStore struct {
	mu  sync.Mutex
	ops map[string]opstore.MeltOperation
}

var _ opstore.Store = (*MemOpStore)(nil)

func NewMemOpStore() *MemOpStore {
	return &MemOpStore{ops: make(map[string]opstore.MeltOperation)}
}

func (s *MemOpStore) Create(ctx context.Context, op opstore.MeltOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops[op.ID] = op
	return nil
}

func (s *MemOpStore) Get(ctx context.Context, id string) (opstore.MeltOperation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	return op, ok, nil
}

func (s *MemOpStore) Update(ctx context.Context, op opstore.MeltOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops[op.ID] = op
	return nil
}

func (s *MemOpStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ops, id)
	return nil
}

func (s *MemOpStore) ListByState(ctx context.Context, mintURL string, state opstore.MeltState) ([]opstore.MeltOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []opstore.MeltOperation
	for _, op := range s.ops {
		if op.MintURL == mintURL && op.State == state {
			out = append(out, op)
		}
	}
	return out, nil
}

func (s *MemOpStore) GetByQuoteID(ctx context.Context, mintURL, quoteID string) (opstore.MeltOperation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range s.ops {
		if op.MintURL == mintURL && op.Prepared != nil && op.Prepared.QuoteID == quoteID {
			return op, true, nil
		}
	}
	return opstore.MeltOperation{}, false, nil
}

// MemCounterRepo is an in-memory storage.CounterRepo.
type MemCounterRepo struct {
	mu       sync.Mutex
	counters map[string]uint64
}

var _ storage.CounterRepo = (*MemCounterRepo)(nil)

func NewMemCounterRepo() *MemCounterRepo {
	return &MemCounterRepo{counters: make(map[string]uint64)}
}

func (r *MemCounterRepo) Reserve(ctx context.Context, mintURL, keysetID string, n uint64) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := mintURL + "\x00" + keysetID
	start := r.counters[k]
	r.counters[k] = start + n
	return start, nil
}

func (r *MemCounterRepo) Current(ctx context.Context, mintURL, keysetID string) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[mintURL+"\x00"+keysetID], nil
}

// MemKeysetRepo is an in-memory storage.KeysetRepo.
type MemKeysetRepo struct {
	mu      sync.Mutex
	keysets map[string]crypto.Keyset
}

var _ storage.KeysetRepo = (*MemKeysetRepo)(nil)

func NewMemKeysetRepo(keysets ...crypto.Keyset) *MemKeysetRepo {
	r := &MemKeysetRepo{keysets: make(map[string]crypto.Keyset)}
	for _, ks := range keysets {
		r.keysets[ks.MintURL+"\x00"+ks.ID] = ks
	}
	return r
}

func (r *MemKeysetRepo) SaveKeyset(ctx context.Context, keyset crypto.Keyset) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keysets[keyset.MintURL+"\x00"+keyset.ID] = keyset
	return nil
}

func (r *MemKeysetRepo) GetKeyset(ctx context.Context, mintURL, keysetID string) (crypto.Keyset, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ks, ok := r.keysets[mintURL+"\x00"+keysetID]
	return ks, ok, nil
}

func (r *MemKeysetRepo) ListKeysets(ctx context.Context, mintURL string) ([]crypto.Keyset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []crypto.Keyset
	for _, ks := range r.keysets {
		if ks.MintURL == mintURL {
			out = append(out, ks)
		}
	}
	return out, nil
}

// MemMintRepo is an in-memory storage.MintRepo.
type MemMintRepo struct {
	mu    sync.Mutex
	mints map[string]storage.TrustedMint
}

var _ storage.MintRepo = (*MemMintRepo)(nil)

func NewMemMintRepo(urls ...string) *MemMintRepo {
	r := &MemMintRepo{mints: make(map[string]storage.TrustedMint)}
	for _, u := range urls {
		r.mints[u] = storage.TrustedMint{URL: u}
	}
	return r
}

func (r *MemMintRepo) Trust(ctx context.Context, mint storage.TrustedMint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mints[mint.URL] = mint
	return nil
}

func (r *MemMintRepo) Untrust(ctx context.Context, mintURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.mints, mintURL)
	return nil
}

func (r *MemMintRepo) IsTrusted(ctx context.Context, mintURL string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.mints[mintURL]
	return ok, nil
}

func (r *MemMintRepo) ListTrusted(ctx context.Context) ([]storage.TrustedMint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []storage.TrustedMint
	for _, m := range r.mints {
		out = append(out, m)
	}
	return out, nil
}
