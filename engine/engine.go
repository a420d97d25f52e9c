// Package engine assembles the wallet engine from its components: the
// bbolt persistence layer, the rate-limited mint gateway, the melt
// saga, the operation service, and the realtime stack. It is the
// library's front door; everything below it stays independently usable.
package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"

	"github.com/0ceanSlim/nutengine/cashu"
	"github.com/0ceanSlim/nutengine/gateway"
	"github.com/0ceanSlim/nutengine/internal/config"
	"github.com/0ceanSlim/nutengine/melt"
	"github.com/0ceanSlim/nutengine/operation"
	"github.com/0ceanSlim/nutengine/opstore"
	"github.com/0ceanSlim/nutengine/realtime"
	"github.com/0ceanSlim/nutengine/storage"
	"github.com/0ceanSlim/nutengine/storage/boltstore"
	"github.com/0ceanSlim/nutengine/subscription"
	"github.com/0ceanSlim/nutengine/walletlib"
)

// Engine owns the assembled component graph.
type Engine struct {
	cfg     config.Config
	log     *slog.Logger
	repos   *boltstore.Repos
	gateway gateway.Gateway
	service *operation.Service
	watcher *operation.Watcher
	subs    *subscription.Manager
	events  chan operation.Event
}

// New builds an Engine from cfg. The caller owns log; passing a
// discard-handler logger silences the engine entirely.
func New(cfg config.Config, log *slog.Logger) (*Engine, error) {
	repos, err := boltstore.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	seed, err := masterSeed(cfg.MasterSeed)
	if err != nil {
		repos.Close()
		return nil, err
	}

	gw := gateway.NewHTTPGateway(log, gateway.WithRateLimit(cfg.GatewayRate, cfg.GatewayBurst))
	lib := walletlib.NewSecp256k1Library(seed)

	handler := &melt.Handler{
		Gateway:  gw,
		Proofs:   repos.ProofStore,
		Counters: repos.CounterRepo(),
		Keysets:  repos.KeysetRepo(),
		Wallet:   lib,
		Rand:     rand.Reader,
		Unit:     cfg.Unit,
	}

	events := make(chan operation.Event, 64)
	service := operation.New(handler, repos.OperationStore, repos.ProofStore, repos.MintRepo(), log, events)

	hybrid := realtime.NewHybridTransport(gw, log, cfg.PollInterval)
	subs := subscription.New(hybrid, log, rand.Reader)
	watcher := operation.NewWatcher(service, subs, log)

	e := &Engine{
		cfg:     cfg,
		log:     log,
		repos:   repos,
		gateway: gw,
		service: service,
		watcher: watcher,
		subs:    subs,
		events:  events,
	}

	ctx := context.Background()
	for _, mintURL := range cfg.TrustedMints {
		if err := repos.MintRepo().Trust(ctx, storage.TrustedMint{URL: mintURL}); err != nil {
			repos.Close()
			return nil, err
		}
	}
	return e, nil
}

// masterSeed decodes the configured seed, accepting hex or raw bytes.
func masterSeed(configured string) ([]byte, error) {
	if configured == "" {
		return nil, cashu.New(cashu.KindProofValidation, "WALLET_MASTER_SEED is required")
	}
	if decoded, err := hex.DecodeString(configured); err == nil {
		return decoded, nil
	}
	return []byte(configured), nil
}

// Service exposes the melt operation orchestrator.
func (e *Engine) Service() *operation.Service { return e.service }

// Subscriptions exposes the subscription manager for callers that want
// their own realtime watches.
func (e *Engine) Subscriptions() *subscription.Manager { return e.subs }

// Events is the engine-wide melt event stream.
func (e *Engine) Events() <-chan operation.Event { return e.events }

// Start runs startup recovery and re-arms the watcher for every
// operation that is still pending afterward.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.service.RecoverPendingOperations(ctx); err != nil {
		return err
	}

	mints, err := e.repos.MintRepo().ListTrusted(ctx)
	if err != nil {
		return err
	}
	for _, mint := range mints {
		pending, err := e.repos.OperationStore.ListByState(ctx, mint.URL, opstore.StatePending)
		if err != nil {
			return err
		}
		for _, op := range pending {
			if err := e.watcher.Watch(ctx, op); err != nil {
				e.log.Warn("watching pending operation", slog.String("operation_id", op.ID), slog.Any("error", err))
			}
		}
	}
	return nil
}

// MeltRequest is the caller-facing input to Melt.
type MeltRequest struct {
	MintURL          string
	Invoice          string
	AllowSmallDenoms bool
}

// Melt runs the full saga for one bolt11 invoice: init, prepare,
// execute. A pending outcome arms the watcher; the returned operation
// reflects the state reached synchronously.
func (e *Engine) Melt(ctx context.Context, req MeltRequest) (opstore.MeltOperation, error) {
	op, err := e.service.Init(ctx, operation.InitRequest{
		MintURL: req.MintURL,
		Invoice: req.Invoice,
		Unit:    e.cfg.Unit,
	})
	if err != nil {
		return opstore.MeltOperation{}, err
	}
	op, err = e.service.Prepare(ctx, op.ID, req.Invoice, req.AllowSmallDenoms)
	if err != nil {
		return opstore.MeltOperation{}, err
	}
	op, err = e.service.Execute(ctx, op.ID)
	if err != nil {
		return op, err
	}
	if op.State == opstore.StatePending {
		if watchErr := e.watcher.Watch(ctx, op); watchErr != nil {
			e.log.Warn("watching pending melt", slog.String("operation_id", op.ID), slog.Any("error", watchErr))
		}
	}
	return op, nil
}

// Pause quiesces the realtime stack, e.g. when the host app backgrounds.
func (e *Engine) Pause() { e.subs.Pause() }

// Resume re-establishes realtime connectivity and re-sends every
// active subscription.
func (e *Engine) Resume() { e.subs.Resume() }

// Close shuts the realtime stack and the database.
func (e *Engine) Close() error {
	e.subs.Close()
	return e.repos.Close()
}
