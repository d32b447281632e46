package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"

	"github.com/cuemby/attrmesh/pkg/alerts"
	"github.com/cuemby/attrmesh/pkg/api"
	"github.com/cuemby/attrmesh/pkg/config"
	"github.com/cuemby/attrmesh/pkg/engine"
	"github.com/cuemby/attrmesh/pkg/events"
	"github.com/cuemby/attrmesh/pkg/log"
	"github.com/cuemby/attrmesh/pkg/store"
	"github.com/cuemby/attrmesh/pkg/transport"
	"github.com/cuemby/attrmesh/pkg/types"
)

const (
	// Store open retries on startup: 20 attempts, 5 seconds apart
	storeOpenRetries  = 20
	storeOpenInterval = 5 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the attrmesh daemon",
	Long: `Run the attrmesh daemon: joins the cluster, serves the local client
API and replicates attribute changes to peers and the shared store.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runServe(configPath)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to the YAML configuration file")
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	logger := log.WithComponent("serve")
	logger.Info().
		Str("node", cfg.NodeName).
		Str("version", Version).
		Msg("starting attrmesh daemon")

	st, err := openStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %v", err)
	}
	defer st.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	var dispatcher alerts.Dispatcher
	if len(cfg.Alerts.Agents) > 0 {
		dispatcher = alerts.NewExecDispatcher(cfg.Alerts.Agents, cfg.Alerts.Timeout)
	}

	// The engine does not exist yet when the transport comes up, so the
	// handler goes through an atomic slot; joining waits until the engine
	// is running.
	var engRef atomic.Pointer[engine.Engine]
	tr, err := transport.NewGossipTransport(transport.Config{
		NodeName: cfg.NodeName,
		BindAddr: cfg.Cluster.BindAddr,
		BindPort: cfg.Cluster.BindPort,
	}, func(req *types.Request) {
		if eng := engRef.Load(); eng != nil {
			eng.SubmitFromPeer(req)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to start cluster transport: %v", err)
	}
	defer tr.Close()

	eng := engine.New(engine.Config{
		NodeName:      cfg.NodeName,
		NodeID:        cfg.NodeID,
		Store:         st,
		Transport:     tr,
		DefaultDampen: cfg.Dampen(),
		Alerts:        dispatcher,
		Broker:        broker,
	})
	eng.Start()
	defer eng.Stop()
	engRef.Store(eng)

	if len(cfg.Cluster.Join) > 0 {
		if err := tr.Join(cfg.Cluster.Join); err != nil {
			return err
		}
	}

	// Nothing is in the table yet on a cold start; after a restart with
	// peers already running, their announcements repopulate it and this
	// pushes anything the store missed.
	eng.Resync()

	apiServer := api.NewServer(eng, st, tr, broker)
	apiErr := make(chan error, 1)
	go func() {
		apiErr <- apiServer.Start(cfg.APIAddr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-apiErr:
		if err != nil {
			return fmt.Errorf("API server failed: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Stop(ctx); err != nil {
		logger.Warn().Err(err).Msg("API server shutdown failed")
	}
	return nil
}

// openStore opens the embedded store, retrying for a while to ride out
// another process still holding the database lock.
func openStore(dataDir string) (*store.BoltStore, error) {
	var st *store.BoltStore
	logger := log.WithComponent("serve")
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(storeOpenInterval), storeOpenRetries)

	err := backoff.Retry(func() error {
		var err error
		st, err = store.NewBoltStore(dataDir)
		if err != nil {
			logger.Warn().Err(err).Msg("store not ready; retrying")
		}
		return err
	}, policy)
	if err != nil {
		return nil, err
	}
	return st, nil
}
