// Copyright 2026 The Kinship Authors
// SPDX-License-Identifier: Apache-2.0

// kinshipd is the Kinship node daemon. It owns the node's connection
// registry, circle store, and grant state, runs the reconciliation
// engine, and periodically processes received introductions. Outbound
// handshake envelopes produced by the auto-accept pass are written to
// an outbox directory for the node's transport to deliver.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/kinship-foundation/kinship/lib/circle"
	"github.com/kinship-foundation/kinship/lib/clock"
	"github.com/kinship-foundation/kinship/lib/codec"
	"github.com/kinship-foundation/kinship/lib/connection"
	"github.com/kinship-foundation/kinship/lib/handle"
	"github.com/kinship-foundation/kinship/lib/introduce"
	"github.com/kinship-foundation/kinship/lib/process"
	"github.com/kinship-foundation/kinship/lib/reconcile"
	"github.com/kinship-foundation/kinship/lib/request"
	"github.com/kinship-foundation/kinship/lib/sealed"
	"github.com/kinship-foundation/kinship/lib/secret"
	"github.com/kinship-foundation/kinship/lib/sqlitepool"
	"github.com/kinship-foundation/kinship/lib/tenant"
	"github.com/kinship-foundation/kinship/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		identityFlag   string
		contactName    string
		dataDir        string
		catalogPath    string
		tenantConfig   string
		masterKeyPath  string
		nodeKeyPath    string
		logLevel       string
		acceptInterval time.Duration
		showVersion    bool
	)
	flags := pflag.NewFlagSet("kinshipd", pflag.ContinueOnError)
	flags.StringVar(&identityFlag, "identity", "", "this node's handle (required)")
	flags.StringVar(&contactName, "contact-name", "", "display name sent to new connections")
	flags.StringVar(&dataDir, "data-dir", "/var/lib/kinship", "state directory")
	flags.StringVar(&catalogPath, "catalog", "", "drive and app catalog file (default <data-dir>/catalog.yaml)")
	flags.StringVar(&tenantConfig, "tenant-config", "", "tenant settings file (default <data-dir>/tenant.yaml)")
	flags.StringVar(&masterKeyPath, "master-key", "", "master key file (default <data-dir>/master.key)")
	flags.StringVar(&nodeKeyPath, "node-key", "", "age private key file (default <data-dir>/node.key)")
	flags.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flags.DurationVar(&acceptInterval, "accept-interval", time.Minute, "how often to process received introductions")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	if showVersion {
		fmt.Println("kinshipd " + version.Full())
		return nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("kinshipd: invalid log level %q: %w", logLevel, err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	identity, err := handle.Parse(identityFlag)
	if err != nil {
		return fmt.Errorf("kinshipd: --identity: %w", err)
	}
	if catalogPath == "" {
		catalogPath = filepath.Join(dataDir, "catalog.yaml")
	}
	if tenantConfig == "" {
		tenantConfig = filepath.Join(dataDir, "tenant.yaml")
	}
	if masterKeyPath == "" {
		masterKeyPath = filepath.Join(dataDir, "master.key")
	}
	if nodeKeyPath == "" {
		nodeKeyPath = filepath.Join(dataDir, "node.key")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	settings, err := tenant.LoadFromEnv(tenantConfig)
	if err != nil {
		return err
	}
	nodeCatalog, err := loadCatalog(catalogPath)
	if err != nil {
		return err
	}

	masterKey, err := secret.ReadFromPath(masterKeyPath)
	if err != nil {
		return fmt.Errorf("kinshipd: master key: %w", err)
	}
	defer masterKey.Close()
	nodePrivateKey, err := secret.ReadFromPath(nodeKeyPath)
	if err != nil {
		return fmt.Errorf("kinshipd: node key: %w", err)
	}
	keypair, err := sealed.LoadKeypair(nodePrivateKey)
	if err != nil {
		return fmt.Errorf("kinshipd: node key: %w", err)
	}
	defer keypair.Close()

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(dataDir, "kinship.db"),
		PoolSize: 4,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	realClock := clock.Real()
	circles, err := circle.OpenStore(ctx, circle.StoreConfig{
		Pool:   pool,
		Drives: nodeCatalog,
		Clock:  realClock,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	if err := circles.EnsureSystemCircles(ctx); err != nil {
		return err
	}
	registry, err := connection.OpenRegistry(ctx, connection.RegistryConfig{
		Pool:   pool,
		Clock:  realClock,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	engine, err := reconcile.New(reconcile.Config{
		Registry:  registry,
		Circles:   circles,
		Apps:      nodeCatalog,
		DriveKeys: nodeCatalog.KeySource(),
		MasterKey: masterKey,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	requests, err := request.New(ctx, request.Config{
		Identity:       identity,
		Contact:        connection.ContactData{Name: contactName},
		Pool:           pool,
		Registry:       registry,
		Circles:        circles,
		Apps:           nodeCatalog,
		DriveKeys:      nodeCatalog.KeySource(),
		MasterKey:      masterKey,
		NodePrivateKey: keypair.PrivateKey,
		NodePublicKey:  keypair.PublicKey,
		Settings:       settings,
		Clock:          realClock,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	intros, err := introduce.New(ctx, introduce.Config{
		Identity:  identity,
		Pool:      pool,
		Registry:  registry,
		Circles:   circles,
		Requests:  requests,
		Apps:      nodeCatalog,
		DriveKeys: nodeCatalog.KeySource(),
		MasterKey: masterKey,
		Settings:  settings,
		Clock:     realClock,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	outbox := filepath.Join(dataDir, "outbox")
	if err := os.MkdirAll(outbox, 0o700); err != nil {
		return fmt.Errorf("kinshipd: creating outbox: %w", err)
	}

	bus := reconcile.NewBus(16)
	engineDone := make(chan error, 1)
	go func() { engineDone <- engine.Run(ctx, bus) }()

	// EnsureSystemCircles refreshed connected-identities from the
	// catalog's anonymous drives, so existing members may hold grants
	// wrapped from a previous catalog. Admin surfaces publish to the
	// same bus when they rewrite a circle or an app's authorized set.
	if err := bus.Publish(ctx, reconcile.CircleDefinitionChanged{CircleID: circle.ConnectedIdentities}); err != nil {
		return fmt.Errorf("kinshipd: scheduling startup reconciliation: %w", err)
	}

	go autoAcceptLoop(ctx, intros, realClock, acceptInterval, outbox, logger)

	logger.Info("kinshipd running",
		"identity", identity,
		"public_key", keypair.PublicKey,
		"data_dir", dataDir,
	)

	<-ctx.Done()
	logger.Info("shutting down")
	if err := <-engineDone; err != nil && err != context.Canceled {
		logger.Error("reconcile engine error", "error", err)
	}
	return nil
}

// autoAcceptLoop periodically processes received introductions and
// writes the resulting handshake envelopes and acceptance acks to the
// outbox directory.
func autoAcceptLoop(ctx context.Context, intros *introduce.Service, clk clock.Clock, interval time.Duration, outbox string, logger *slog.Logger) {
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		outboundRequests, outboundAcks, err := intros.ProcessIncoming(ctx)
		if err != nil {
			logger.Warn("introduction pass failed", "error", err)
		}
		for _, outboundRequest := range outboundRequests {
			if err := writeOutbox(outbox, clk, "request", outboundRequest); err != nil {
				logger.Error("writing outbox envelope", "error", err)
			}
		}
		for _, outboundAck := range outboundAcks {
			if err := writeOutbox(outbox, clk, "ack", outboundAck); err != nil {
				logger.Error("writing outbox ack", "error", err)
			}
		}
	}
}

// writeOutbox stores one addressed payload as a CBOR file named after
// its kind and the moment it was produced. The transport deletes files
// it has delivered.
func writeOutbox(outbox string, clk clock.Clock, kind string, payload any) error {
	blob, err := codec.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", kind, err)
	}
	name := fmt.Sprintf("%s-%d.cbor", kind, clk.Now().UnixNano())
	return os.WriteFile(filepath.Join(outbox, name), blob, 0o600)
}
