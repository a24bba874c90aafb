package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jackc/pgx/v5/pgxpool"
	backend "github.com/redis/go-redis/v9"

	"clawtrust/auth"
	"clawtrust/config"
	"clawtrust/db"
	"clawtrust/dispute"
	"clawtrust/escrow"
	"clawtrust/events"
	"clawtrust/identity"
	"clawtrust/logger"
	"clawtrust/mandate"
	"clawtrust/reputation"
	"clawtrust/settlement"
	"clawtrust/settlement/evm"
)

// app holds the wired services for one process.
type app struct {
	cfg config.Config
	log *slog.Logger

	pool   *pgxpool.Pool
	redis  *backend.Client
	rabbit *events.RabbitMQPublisher
	eth    *ethclient.Client

	registry   identity.Registry
	escrow     *escrow.Service
	negotiator *mandate.Negotiator
	arbiter    *dispute.Arbiter
	reputation *reputation.Service
	auth       *auth.Service
	// relay is nil unless mandates are persisted in Postgres.
	relay *events.Relay
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{cfg: cfg, log: logger.Named("app")}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) (err error) {
	cfg := a.cfg
	postgres := cfg.Storage.Driver == "postgres"
	if postgres {
		if a.pool, err = db.NewPool(ctx, cfg.Storage.PostgresDSN); err != nil {
			return err
		}
	}
	if cfg.Storage.RedisAddr != "" {
		a.redis = backend.NewClient(&backend.Options{
			Addr:     cfg.Storage.RedisAddr,
			Password: cfg.Storage.RedisPassword,
			DB:       cfg.Storage.RedisDB,
		})
		if err = a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping %s: %w", cfg.Storage.RedisAddr, err)
		}
	}
	if cfg.Events.Sink == "rabbitmq" {
		if a.rabbit, err = events.DialRabbitMQ(cfg.Events.RabbitMQURL, cfg.Events.Exchange); err != nil {
			return err
		}
	}

	pub, sink := a.publishers()

	if a.registry, err = a.buildRegistry(ctx); err != nil {
		return err
	}

	settle, err := a.buildSettlement(ctx)
	if err != nil {
		return err
	}
	var escrowStore escrow.Store = escrow.NewMemoryStore()
	switch {
	case cfg.Storage.EscrowStore == "redis":
		escrowStore = escrow.NewRedisStore(a.redis, "")
	case postgres:
		escrowStore = escrow.NewPGStore(a.pool)
	}
	a.escrow = escrow.NewService(escrowStore, settle, escrow.OptionsFromConfig(cfg))

	var (
		mandates    mandate.Store
		disputes    dispute.Store
		reviews     reputation.Store
		credentials auth.Repository
	)
	if postgres {
		mandates = mandate.NewRepository(a.pool)
		disputes = dispute.NewRepository(a.pool)
		reviews = reputation.NewRepository(a.pool)
		credentials = auth.NewRepository(a.pool)
		a.relay = events.NewRelay(a.pool, sink, cfg.Events.RelayBatch)
	} else {
		mandates = mandate.NewMemoryStore(pub)
		disputes = dispute.NewMemoryStore()
		reviews = reputation.NewMemoryStore()
		credentials = auth.NewMemoryRepository()
	}

	a.reputation = reputation.NewService(reviews, nil, pub, reputation.OptionsFromConfig(cfg))
	selector := dispute.ReputationSelector{
		Registry: a.registry,
		Scores:   a.reputation,
		MinStake: cfg.Negotiation.MinStake,
	}
	a.arbiter = dispute.NewArbiter(disputes, selector, pub, dispute.OptionsFromConfig(cfg))
	a.negotiator = mandate.NewNegotiator(mandates, a.registry, a.escrow, a.arbiter, mandate.OptionsFromConfig(cfg))
	a.arbiter.WithResolver(a.negotiator.DisputeResolver())
	a.reputation.WithMandates(a.negotiator)

	a.auth = auth.NewService(credentials, a.registry, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	return nil
}

// publishers returns the publisher handed to services and the sink the
// outbox relay forwards to. With Postgres every service writes the outbox.
func (a *app) publishers() (events.Publisher, events.Sink) {
	logPub := events.NewLogPublisher(nil)
	var sink events.Sink = logPub
	var pub events.Publisher = logPub
	if a.rabbit != nil {
		sink, pub = a.rabbit, a.rabbit
	}
	if a.pool != nil {
		pub = events.NewOutboxPublisher(a.pool)
	}
	return pub, sink
}

func (a *app) buildRegistry(ctx context.Context) (identity.Registry, error) {
	var registry identity.Registry
	if a.pool != nil {
		repo := identity.NewRepository(a.pool)
		for _, seed := range a.cfg.Agents {
			if _, err := repo.Upsert(ctx, identity.Agent{ID: seed.ID, Name: seed.Name, Stake: seed.Stake}); err != nil {
				return nil, err
			}
		}
		registry = repo
	} else {
		mem := identity.NewMemoryRegistry()
		for _, seed := range a.cfg.Agents {
			mem.Register(identity.Agent{ID: seed.ID, Name: seed.Name, Stake: seed.Stake})
		}
		registry = mem
	}
	if a.redis != nil {
		registry = identity.NewCachedRegistry(registry, a.redis, a.cfg.Storage.IdentityTTL)
	}
	a.log.Info("identity registry ready", "seeded", len(a.cfg.Agents), "cached", a.redis != nil)
	return registry, nil
}

func (a *app) buildSettlement(ctx context.Context) (settlement.Backend, error) {
	if a.cfg.Settlement.Backend != "evm" {
		a.log.Warn("using in-memory settlement backend; balances are lost on restart")
		return settlement.NewMemoryBackend(), nil
	}
	ec := a.cfg.Settlement.EVM
	client, err := ethclient.DialContext(ctx, ec.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial evm rpc: %w", err)
	}
	a.eth = client

	keyHex := strings.TrimPrefix(os.Getenv(ec.PrivateKeyEnv), "0x")
	if keyHex == "" {
		return nil, fmt.Errorf("settlement key missing: set %s", ec.PrivateKeyEnv)
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse settlement key: %w", err)
	}
	chainID := big.NewInt(ec.ChainID)
	if ec.ChainID == 0 {
		if chainID, err = client.ChainID(ctx); err != nil {
			return nil, fmt.Errorf("query chain id: %w", err)
		}
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("build transactor: %w", err)
	}

	book := make(map[string]common.Address, len(ec.AddressBook))
	for name, addr := range ec.AddressBook {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("settlement.evm.address_book[%s]: %q is not an address", name, addr)
		}
		book[name] = common.HexToAddress(addr)
	}
	return evm.New(common.HexToAddress(ec.ContractAddress), client, client, opts, book)
}

// sweep runs one maintenance pass: expire overdue mandates, close disputes
// past their deadline and finish interrupted settlements. The outbox relay
// runs on its own schedule.
func (a *app) sweep(ctx context.Context) error {
	var errs []error
	expired, err := a.negotiator.SweepExpired(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("expire mandates: %w", err))
	}
	closed, err := a.arbiter.Sweep(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("sweep disputes: %w", err))
	}
	resumed, err := a.escrow.ResumePending(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("resume settlements: %w", err))
	}
	if expired+closed+resumed > 0 {
		a.log.Info("sweep finished", "expired", expired, "disputes", closed, "resumed", resumed)
	}
	return errors.Join(errs...)
}

func (a *app) server() *Server {
	return &Server{
		authService:       a.auth,
		mandateService:    a.negotiator,
		reputationService: a.reputation,
		disputeService:    a.arbiter,
		log:               logger.Named("http"),
	}
}

func (a *app) Close() {
	if a.rabbit != nil {
		if err := a.rabbit.Close(); err != nil {
			a.log.Warn("close rabbitmq", "error", err)
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.eth != nil {
		a.eth.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
