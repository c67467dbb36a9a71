// Package bundler assembles the node: state store, chain client, admission
// pipeline, bundling loop and the HTTP/JSON-RPC surface, wired from one
// yaml config file.
package bundler

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AvaProtocol/ap-bundler/core/audit"
	"github.com/AvaProtocol/ap-bundler/core/bundling"
	"github.com/AvaProtocol/ap-bundler/core/chainio"
	"github.com/AvaProtocol/ap-bundler/core/chainio/signer"
	"github.com/AvaProtocol/ap-bundler/core/config"
	"github.com/AvaProtocol/ap-bundler/core/deposit"
	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/core/policy"
	"github.com/AvaProtocol/ap-bundler/core/reputation"
	"github.com/AvaProtocol/ap-bundler/core/services"
	"github.com/AvaProtocol/ap-bundler/core/state"
	"github.com/AvaProtocol/ap-bundler/core/validation"
	"github.com/AvaProtocol/ap-bundler/metrics"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
	"github.com/AvaProtocol/ap-bundler/storage"
	"github.com/AvaProtocol/ap-bundler/version"
)

type NodeStatus string

const (
	initStatus     NodeStatus = "init"
	runningStatus  NodeStatus = "running"
	shutdownStatus NodeStatus = "shutdown"
)

// Node owns every long-lived component of the bundler process.
type Node struct {
	logger logger.Logger
	config *config.Config

	db    storage.Storage
	store *state.Store

	chain      chainio.Client
	validator  validation.Validator
	reputation *reputation.Manager
	deposit    *deposit.Manager
	mempool    *mempool.Manager
	rule       *policy.AdmissionRule
	signers    *signer.Service
	events     *bundling.EventManager
	bundler    *bundling.Manager

	trail   *audit.Log
	metrics *metrics.BundlerMetrics

	httpServer *echo.Echo
	status     NodeStatus
}

// RunWithConfig parses the config file, builds the node and blocks until
// shutdown.
func RunWithConfig(configPath string) error {
	cfg, err := config.NewConfig(configPath)
	if err != nil {
		return err
	}

	node, err := NewNode(cfg)
	if err != nil {
		return err
	}
	return node.Start(context.Background())
}

func NewNode(cfg *config.Config) (*Node, error) {
	return &Node{
		logger: cfg.Logger,
		config: cfg,
		status: initStatus,
	}, nil
}

// init dials the chain, opens storage and wires every manager. Ordering
// matters: the store issues grants as each module is constructed, and
// managers consume each other bottom-up.
func (n *Node) init(ctx context.Context) error {
	var err error

	var tipSource chainio.TipSource
	if n.config.FeeOracleURL != "" {
		tipSource = services.NewFeeOracleService(n.config.FeeOracleURL, n.config.Logger)
	}
	n.chain, err = chainio.NewEthClient(ctx, n.config.EthRpcURL, n.config.EntryPoint, tipSource)
	if err != nil {
		return err
	}

	n.db, err = storage.NewWithPath(n.config.DbPath)
	if err != nil {
		return err
	}

	n.store = state.New(n.config.StateSecret)
	n.trail = audit.New(n.db, n.logger)
	n.metrics = metrics.NewBundlerMetrics(prometheus.DefaultRegisterer)

	n.validator = validation.NewSimValidator(n.chain, n.config.EntryPoint, n.logger)

	n.reputation, err = reputation.NewManager(n.store, reputation.Config{
		MinInclusionDenominator: n.config.MinInclusionDenominator,
		ThrottlingSlack:         n.config.ThrottlingSlack,
		BanSlack:                n.config.BanSlack,
		MinStake:                n.config.MinStake,
		MinUnstakeDelay:         n.config.MinUnstakeDelay,
		DecayInterval:           n.config.ReputationDecayInterval,
	}, n.logger)
	if err != nil {
		return err
	}
	if err = n.reputation.SeedLists(n.config.WhitelistedEntities, n.config.BlacklistedEntities); err != nil {
		return err
	}

	n.deposit, err = deposit.NewManager(n.store, n.chain, n.logger)
	if err != nil {
		return err
	}

	n.mempool, err = mempool.NewManager(n.store, n.reputation, n.deposit, mempool.Config{
		MaxUserOpsPerSender: n.config.MaxUserOpsPerSender,
		BundleSize:          n.config.BundleSize,
	}, n.logger)
	if err != nil {
		return err
	}

	n.rule, err = policy.Compile(n.config.AdmissionRule)
	if err != nil {
		return err
	}

	n.signers, err = signer.NewService(n.store, n.config.PrivateKeys, n.chain.ChainID())
	if err != nil {
		return err
	}

	n.events, err = bundling.NewEventManager(n.chain, n.mempool, n.reputation, n.store, n.logger)
	if err != nil {
		return err
	}
	n.events.SetOnInclusion(func(hash common.Hash) {
		n.metrics.IncOpsIncluded()
	})

	builder := bundling.NewBuilder(n.mempool, n.validator, n.reputation, n.chain, n.config.MaxBundleGas, n.logger)
	processor, err := bundling.NewProcessor(n.chain, n.signers, n.reputation, n.store, bundling.ProcessorConfig{
		EntryPoint:       n.config.EntryPoint,
		Beneficiary:      n.config.Beneficiary,
		MinSignerBalance: n.config.MinSignerBalance,
	}, n.logger)
	if err != nil {
		return err
	}

	n.bundler = bundling.NewManager(builder, processor, n.events, n.mempool, n.reputation, n.config.AutoBundleInterval, n.logger)
	n.bundler.SetObserver(bundling.Observer{
		OnAttempt: n.recordAttempt,
		OnEvict:   n.recordEviction,
	})

	return nil
}

// recordAttempt folds each bundling attempt into metrics and the audit
// trail. Runs on the attempt goroutine.
func (n *Node) recordAttempt(res *bundling.SendResult, err error) {
	if err != nil {
		n.metrics.IncBundlesFailed()
		n.trail.Append(audit.KindBundleFailed, "", "", err.Error())
		return
	}
	if res == nil || len(res.UserOpHashes) == 0 {
		return
	}
	n.metrics.IncBundlesSent()
	n.metrics.ObserveBundleSize(len(res.UserOpHashes))
	for _, hash := range res.UserOpHashes {
		n.trail.Append(audit.KindBundleSent, hash.Hex(), res.TxHash.Hex(), "")
	}
	if size, serr := n.mempool.Size(); serr == nil {
		n.metrics.SetMempoolSize(size)
	}
}

func (n *Node) recordEviction(hash common.Hash, reason string) {
	n.metrics.IncOpsEvicted()
	n.trail.Append(audit.KindEvicted, hash.Hex(), "", reason)
}

func (n *Node) Start(ctx context.Context) error {
	n.logger.Infof("starting bundler %s", version.Get())

	if err := n.init(ctx); err != nil {
		return err
	}

	n.logger.Info("running preflight checks")
	if err := n.preflight(ctx); err != nil {
		return err
	}

	n.logger.Info("starting reputation decay cron")
	if err := n.reputation.StartHourlyCron(); err != nil {
		return err
	}

	n.logger.Info("starting auto bundling", "interval", n.config.AutoBundleInterval)
	if err := n.bundler.SetBundlingMode(bundling.ModeAuto); err != nil {
		return err
	}

	n.logger.Info("starting http server", "address", n.config.HttpBindAddress)
	if err := n.startHttpServer(ctx); err != nil {
		return err
	}
	n.status = runningStatus

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	n.logger.Info("shutting down...")
	n.status = shutdownStatus
	n.bundler.Stop()
	n.reputation.StopHourlyCron()
	if n.httpServer != nil {
		if err := n.httpServer.Shutdown(context.Background()); err != nil {
			n.logger.Error("http server shutdown failed", "error", err)
		}
	}
	if err := n.db.Close(); err != nil {
		n.logger.Error("storage close failed", "error", err)
	}

	return nil
}

// Status is read by the health endpoint.
func (n *Node) Status() NodeStatus {
	return n.status
}

