// Package app assembles a replication instance from its configuration.
package app

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/replimesh/replimesh/internal/client"
	"github.com/replimesh/replimesh/internal/config"
	"github.com/replimesh/replimesh/internal/content"
	"github.com/replimesh/replimesh/internal/database"
	"github.com/replimesh/replimesh/internal/events"
	"github.com/replimesh/replimesh/internal/logging/audit"
	"github.com/replimesh/replimesh/internal/metrics"
	"github.com/replimesh/replimesh/internal/msglog"
	"github.com/replimesh/replimesh/internal/recovery"
	"github.com/replimesh/replimesh/internal/registry"
	"github.com/replimesh/replimesh/internal/replerr"
	"github.com/replimesh/replimesh/internal/replication"
	"github.com/replimesh/replimesh/internal/server"
	"github.com/replimesh/replimesh/internal/trust"
	"github.com/replimesh/replimesh/pkg/proto"
)

// Options configures a node.
type Options struct {
	Config     *config.Config
	Version    string
	Logger     zerolog.Logger
	HTTPClient *http.Client // overrides the transport client built from the TLS settings
}

// Node is one replication instance with every component wired together.
type Node struct {
	Config *config.Config

	DB        *sql.DB
	Bus       *events.Bus
	Metrics   *metrics.ReplicationMetrics
	Keys      *trust.KeyStore
	Client    *client.Client
	Registry  *registry.Registry
	Log       *msglog.Log
	Sender    *replication.Sender
	Receiver  *replication.Receiver
	Answers   *replication.AnswerManager
	Recovery  *recovery.Manager
	Content   *content.Store
	Resolver  *content.RouteResolver
	Publisher *content.Publisher
	Server    *server.Server

	logger  zerolog.Logger
	started bool
}

// New builds a node from opts.Config. Nothing is started and no port is opened.
func New(ctx context.Context, opts Options) (*Node, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger := opts.Logger.With().Str("instance", cfg.Instance.URI).Logger()

	n := &Node{
		Config: cfg,
		Bus:    events.NewBus(logger),
		logger: logger.With().Str("component", "node").Logger(),
	}
	if cfg.MetricsEnabled() {
		n.Metrics = metrics.InitMetrics(cfg.Instance.Name, cfg.Instance.URI, opts.Version)
	}
	auditLog := audit.NewLogger(logger)

	db, err := database.Open(cfg.DatabasePath(), registry.Schema, msglog.Schema)
	if err != nil {
		return nil, err
	}
	n.DB = db

	if err := n.build(ctx, opts, auditLog); err != nil {
		_ = db.Close()
		return nil, err
	}
	return n, nil
}

func (n *Node) build(ctx context.Context, opts Options, auditLog *audit.Logger) error {
	cfg := n.Config
	logger := opts.Logger.With().Str("instance", cfg.Instance.URI).Logger()
	dir := cfg.ReplicationDir()

	keys, err := trust.NewKeyStore(filepath.Join(dir, "keys"), logger)
	if err != nil {
		return err
	}
	n.Keys = keys

	n.Client = client.New(client.Config{
		SelfURI:      cfg.Instance.URI,
		SelfName:     cfg.Instance.Name,
		Keys:         keys,
		EndpointRoot: cfg.EndpointRoot,
		Timeout:      cfg.HTTPTimeoutDuration(),
		TLSConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.TLS.InsecureSkipVerify, //nolint:gosec // operator opt-in for self-signed peers
		},
		HTTPClient: opts.HTTPClient,
		Logger:     logger,
	})

	n.Registry, err = registry.New(ctx, registry.Options{
		SelfURI:  cfg.Instance.URI,
		SelfName: cfg.Instance.Name,
		Store:    registry.NewSQLStore(n.DB),
		Keys:     keys,
		Client:   n.Client,
		Events:   n.Bus,
		Audit:    auditLog,
		Metrics:  n.Metrics,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	n.Log = msglog.New(n.DB, logger)

	senderStore, err := replication.NewSenderStore(filepath.Join(dir, "sender"), logger, n.Metrics)
	if err != nil {
		return err
	}
	n.Sender = replication.NewSender(replication.SenderConfig{
		Store:               senderStore,
		Directory:           n.Registry,
		Transport:           n.Client,
		Log:                 n.Log,
		Events:              n.Bus,
		Metrics:             n.Metrics,
		Logger:              logger,
		DispatchCapacity:    cfg.Queues.DispatchCapacity,
		DestinationCapacity: cfg.Queues.DestinationCapacity,
		Backoff:             replication.Backoff{Base: cfg.BackoffBase(), Max: cfg.BackoffMax()},
		ShutdownTimeout:     cfg.ShutdownTimeoutDuration(),
	})

	handlers := replication.NewHandlers()
	if err := handlers.Register(replication.TypeInstanceUpdate, replication.HandlerFunc(n.handleInstanceUpdate)); err != nil {
		return err
	}

	n.Answers = replication.NewAnswerManager(logger)
	n.Recovery = recovery.New(recovery.Config{
		Sender:    n.Sender,
		Directory: n.Registry,
		Answers:   n.Answers,
		Logger:    logger,
	})
	if err := n.Recovery.Register(handlers); err != nil {
		return err
	}

	if err := n.buildContent(handlers, logger); err != nil {
		return err
	}

	receiverStore, err := replication.NewStore(filepath.Join(dir, "receiver"), "receiver", logger, n.Metrics)
	if err != nil {
		return err
	}
	n.Receiver, err = replication.NewReceiver(replication.ReceiverConfig{
		Store:           receiverStore,
		Handlers:        handlers,
		Instances:       n.Registry,
		Events:          n.Bus,
		Metrics:         n.Metrics,
		Logger:          logger,
		QueueCapacity:   cfg.Queues.ReceiverCapacity,
		RedriveAttempts: cfg.Receiver.RedriveAttempts,
		RedriveDelay:    cfg.RedriveDelayDuration(),
		DedupeSize:      cfg.Receiver.DedupeCache,
	})
	if err != nil {
		return err
	}

	metricsPath := ""
	if cfg.MetricsEnabled() {
		metricsPath = cfg.Metrics.Path
	}
	n.Server = server.New(server.Config{
		Listen:       cfg.Listen,
		EndpointRoot: cfg.EndpointRoot,
		TLSCertFile:  cfg.TLS.CertFile,
		TLSKeyFile:   cfg.TLS.KeyFile,
		Registry:     n.Registry,
		Inbox:        n.Receiver,
		Sender:       n.Sender,
		Audit:        auditLog,
		Metrics:      n.Metrics,
		MetricsPath:  metricsPath,
		RateLimit:    rate.Limit(cfg.RateLimit.MessagesPerSecond),
		RateBurst:    cfg.RateLimit.Burst,
		Version:      opts.Version,
		Logger:       logger,
	})
	return nil
}

func (n *Node) buildContent(handlers *replication.Handlers, logger zerolog.Logger) error {
	cfg := n.Config
	store, err := content.NewStore(osfs.New(cfg.Content.Dir), logger)
	if err != nil {
		return err
	}
	routes, err := content.RoutesFromConfig(cfg.Content.Routes)
	if err != nil {
		return err
	}
	resolver, err := content.NewRouteResolver(cfg.Instance.URI, routes)
	if err != nil {
		return err
	}
	n.Content = store
	n.Resolver = resolver
	n.Publisher = content.NewPublisher(cfg.Instance.URI, store, resolver, n.Sender, logger)
	return content.NewHandlers(content.HandlerConfig{
		Self:      cfg.Instance.URI,
		Store:     store,
		Resolver:  resolver,
		Relayer:   n.Sender,
		Publisher: n.Publisher,
		Logger:    logger,
	}).Register(handlers)
}

// Start starts the queues and then the HTTP server.
func (n *Node) Start(ctx context.Context) error {
	if err := n.StartQueues(ctx); err != nil {
		return err
	}
	if err := n.Server.Start(); err != nil {
		_ = n.stopQueues()
		return err
	}
	n.logger.Info().
		Str("listen", n.Server.Addr()).
		Int("registered", len(n.Registry.Registered())).
		Msg("Replication instance started")
	return nil
}

// StartQueues starts the sender and receiver without serving the endpoints, for
// one-shot administrative commands.
func (n *Node) StartQueues(ctx context.Context) error {
	if err := n.Sender.Start(ctx); err != nil {
		return err
	}
	if err := n.Receiver.Start(ctx); err != nil {
		_ = n.Sender.Stop()
		return err
	}
	n.started = true
	return nil
}

// Stop shuts the server down, then drains the queues.
func (n *Node) Stop(ctx context.Context) error {
	var errs []error
	if err := n.Server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop server: %w", err))
	}
	if err := n.stopQueues(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (n *Node) stopQueues() error {
	if !n.started {
		return nil
	}
	n.started = false
	var errs []error
	if err := n.Receiver.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop receiver: %w", err))
	}
	if err := n.Sender.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop sender: %w", err))
	}
	return errors.Join(errs...)
}

// Close releases the database. The node must be stopped.
func (n *Node) Close() error {
	return n.DB.Close()
}

// Redrive queues again every inbound message still waiting in the receiver store.
func (n *Node) Redrive(ctx context.Context) (int, error) {
	count, err := n.Receiver.Redrive(ctx)
	if err != nil {
		return count, err
	}
	n.logger.Info().Int("messages", count).Msg("Receiver store redriven")
	return count, nil
}

// AnnounceInstance sends our name and properties to every registered instance.
func (n *Node) AnnounceInstance(ctx context.Context) error {
	msg := replication.NewMessage(replication.InstanceUpdate{
		Name:       n.Config.Instance.Name,
		Properties: n.Config.Instance.Properties,
	}, n.Config.Instance.URI, nil)
	targets, err := n.Sender.Send(msg, nil).Wait(ctx)
	if err != nil {
		return err
	}
	n.logger.Debug().Strs("targets", targets).Msg("Instance update queued")
	return nil
}

// PruneLog drops logged messages older than maxAge.
func (n *Node) PruneLog(ctx context.Context, maxAge time.Duration) (int64, error) {
	return n.Log.Prune(ctx, time.Now().Add(-maxAge))
}

func (n *Node) handleInstanceUpdate(ctx context.Context, msg replication.ReceiverMessage) error {
	env := msg.Envelope()
	k, err := replication.DecodeInstanceUpdate(env)
	if err != nil {
		return err
	}
	// an instance only describes itself
	from := msg.Instance()
	if from == nil || proto.NormalizeURI(env.Source) != proto.NormalizeURI(from.URI) {
		return replerr.Invalid(env.ID, "instance update for %s sent by another instance", env.Source)
	}
	if err := n.Registry.Update(ctx, env.Source, k.Name, k.Properties); err != nil {
		if errors.Is(err, registry.ErrUnknownInstance) {
			return replerr.Invalid(env.ID, "instance update from unknown instance %s", env.Source)
		}
		return err
	}
	n.logger.Info().
		Str("source", env.Source).
		Str("name", k.Name).
		Msg("Instance updated")
	return nil
}
