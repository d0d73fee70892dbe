// Package main provides the EntDB CLI entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/entdb/entdb/pkg/applier"
	"github.com/entdb/entdb/pkg/archiver"
	"github.com/entdb/entdb/pkg/coordinator"
	"github.com/entdb/entdb/pkg/config"
	"github.com/entdb/entdb/pkg/deadletter"
	"github.com/entdb/entdb/pkg/log"
	"github.com/entdb/entdb/pkg/metrics"
	"github.com/entdb/entdb/pkg/objectstore"
	"github.com/entdb/entdb/pkg/recovery"
	"github.com/entdb/entdb/pkg/schema"
	"github.com/entdb/entdb/pkg/snapshot"
	"github.com/entdb/entdb/pkg/wal"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "entdb",
		Short: "EntDB - multi-tenant event-sourced graph database",
		Long: `EntDB persists atomic node/edge transactions durably, applies them
to per-tenant read stores, and serves point, traversal and mailbox-search
queries under exactly-once apply semantics.`,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("entdb v%s (%s)\n", version, commit)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator, applier, archiver and snapshotter in one process",
		RunE:  runServe,
	}
	serveCmd.Flags().String("config", "", "Path to a YAML config file (overlays entdb's defaults)")
	serveCmd.Flags().String("object-store-dir", "./data/objectstore", "Local filesystem root standing in for the archive/snapshot object store")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address the Prometheus /metrics endpoint listens on")
	rootCmd.AddCommand(serveCmd)

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Register and freeze a schema module, and create the data directory layout",
		RunE:  runInit,
	}
	initCmd.Flags().String("config", "", "Path to a YAML config file (overlays entdb's defaults)")
	initCmd.Flags().String("schema-module", "", "Path to the schema module YAML file (required)")
	rootCmd.AddCommand(initCmd)

	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Rebuild one tenant's state from (snapshot, archive, live WAL)",
		RunE:  runRecover,
	}
	recoverCmd.Flags().String("config", "", "Path to a YAML config file (overlays entdb's defaults)")
	recoverCmd.Flags().String("object-store-dir", "./data/objectstore", "Local filesystem root standing in for the archive/snapshot object store")
	recoverCmd.Flags().String("schema-module", "", "Path to the schema module YAML file (required)")
	recoverCmd.Flags().String("tenant", "", "Tenant id to recover (required)")
	recoverCmd.Flags().String("dest-dir", "", "Directory to restore the tenant's stores into (required)")
	recoverCmd.Flags().Uint64("target", 0, "WAL position to recover to; 0 means the latest available")
	rootCmd.AddCommand(recoverCmd)

	deadletterCmd := &cobra.Command{
		Use:   "deadletter",
		Short: "List dead-lettered events for operator review (spec: invariant violations never block a tenant's stream)",
		RunE:  runDeadletter,
	}
	deadletterCmd.Flags().String("config", "", "Path to a YAML config file (overlays entdb's defaults)")
	deadletterCmd.Flags().String("tenant", "", "Restrict to one tenant id; empty means all tenants")
	deadletterCmd.Flags().Int("limit", 0, "Maximum entries to print; 0 means unlimited")
	rootCmd.AddCommand(deadletterCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads --config (if set) over entdb's defaults and validates
// the result, in the style of the teacher's serveCmd flag handling.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func initLogging(cfg *config.Config) {
	log.Init(log.Config{
		Level:      log.Level(cfg.Logging.Level),
		JSONOutput: cfg.Logging.JSONOutput,
	})
}

// openBackend opens the WAL adapter named by cfg.WAL.Backend. Only
// "local" is runnable from this module; "kafka"/"kinesis" name real
// production backends that are external collaborators per spec §1.
func openBackend(cfg *config.Config) (wal.Backend, error) {
	switch cfg.WAL.Backend {
	case "local":
		if err := os.MkdirAll(cfg.WAL.LocalDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating wal directory: %w", err)
		}
		return wal.NewLocalBackend(filepath.Join(cfg.WAL.LocalDir, "wal.db"))
	default:
		return nil, fmt.Errorf("wal.backend %q has no in-module adapter; plug in a real broker client", cfg.WAL.Backend)
	}
}

// discoverTenants lists the tenant ids already present as subdirectories
// of dataDir (each a canonical.db/mailbox.db pair), the set serve
// attaches the applier, archiver and snapshotter to on startup.
func discoverTenants(dataDir string) ([]string, error) {
	entries, err := os.ReadDir(dataDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", dataDir, err)
	}
	var tenants []string
	for _, e := range entries {
		if e.IsDir() {
			tenants = append(tenants, e.Name())
		}
	}
	return tenants, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	initLogging(cfg)
	logger := log.WithComponent("main")

	if cfg.Registry.SchemaModule == "" {
		return fmt.Errorf("registry.schema_module must name a schema module file")
	}
	registry, err := schema.LoadModuleFile(cfg.Registry.SchemaModule)
	if err != nil {
		return fmt.Errorf("loading schema module: %w", err)
	}
	logger.Info().Str("fingerprint", fmt.Sprintf("%x", registry.Fingerprint())).Msg("schema registry frozen")

	backend, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	objectStoreDir, _ := cmd.Flags().GetString("object-store-dir")
	if err := os.MkdirAll(objectStoreDir, 0o755); err != nil {
		return fmt.Errorf("creating object store directory: %w", err)
	}
	objStore, err := objectstore.NewLocalFS(objectStoreDir)
	if err != nil {
		return fmt.Errorf("opening object store: %w", err)
	}

	if err := os.MkdirAll(cfg.Apply.DeadletterDir, 0o755); err != nil {
		return fmt.Errorf("creating deadletter directory: %w", err)
	}
	dl, err := deadletter.NewLogger(deadletter.Config{Path: filepath.Join(cfg.Apply.DeadletterDir, "deadletter.jsonl")})
	if err != nil {
		return fmt.Errorf("opening deadletter log: %w", err)
	}
	defer dl.Close()

	if err := os.MkdirAll(cfg.Store.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating tenant store directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := applier.New(applier.Config{
		Backend:         backend,
		StoreDir:        cfg.Store.DataDir,
		DeadLetter:      dl,
		Registry:        registry,
		MaxRetryBackoff: time.Duration(cfg.Apply.MaxRetryBackoffMS) * time.Millisecond,
	})
	ar := archiver.New(archiver.Config{
		Backend:       backend,
		ObjectStore:   objStore,
		ObjectPrefix:  cfg.Archive.ObjectPrefix,
		SegmentBytes:  cfg.Archive.SegmentBytes,
		SegmentMaxAge: time.Duration(cfg.Archive.SegmentSeconds) * time.Second,
	})
	snaps := snapshot.New(snapshot.Config{
		ObjectStore:    objStore,
		Provider:       a,
		MaxConcurrency: cfg.Snapshot.MaxConcurrency,
		RetentionDays:  cfg.Snapshot.RetentionDays,
	})

	tenants, err := discoverTenants(cfg.Store.DataDir)
	if err != nil {
		return err
	}
	// Coordinators are built per tenant as the engine's embed point for a
	// future transport adapter (spec §6: "transport-agnostic"); this
	// module stops at the Go API boundary, per spec §1's scope.
	coordinators := make(map[string]*coordinator.Coordinator, len(tenants))
	for _, tenantID := range tenants {
		if err := a.Assign(ctx, tenantID); err != nil {
			return fmt.Errorf("assigning tenant %s to applier: %w", tenantID, err)
		}
		if err := ar.Assign(ctx, tenantID); err != nil {
			return fmt.Errorf("assigning tenant %s to archiver: %w", tenantID, err)
		}
		reader, _ := a.Canonical(tenantID)
		coordinators[tenantID] = coordinator.New(coordinator.Config{
			Registry: registry,
			Backend:  backend,
			Reader:   reader,
			Waiter:   a,
		})
	}
	logger.Info().Int("tenant_count", len(tenants)).Msg("applier and archiver assigned")

	if cfg.Snapshot.IntervalHours > 0 {
		go snaps.RunSchedule(ctx, time.Duration(cfg.Snapshot.IntervalHours)*time.Hour)
	}

	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server exited")
		}
	}()
	logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")

	fmt.Printf("entdb v%s serving %d tenant(s); metrics at http://%s/metrics\n", version, len(tenants), metricsAddr)
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("shutting down...")
	cancel()
	ar.Close()
	if err := a.Close(); err != nil {
		logger.Error().Err(err).Msg("applier shutdown reported an error")
	}
	fmt.Println("stopped")
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	initLogging(cfg)

	schemaModule, _ := cmd.Flags().GetString("schema-module")
	if schemaModule == "" {
		return fmt.Errorf("--schema-module is required")
	}
	registry, err := schema.LoadModuleFile(schemaModule)
	if err != nil {
		return fmt.Errorf("loading schema module: %w", err)
	}
	fmt.Printf("schema module valid: fingerprint %x\n", registry.Fingerprint())

	dirs := []string{
		cfg.Store.DataDir,
		cfg.WAL.LocalDir,
		cfg.Apply.DeadletterDir,
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	fmt.Println("data directory layout initialized:")
	for _, dir := range dirs {
		fmt.Printf("  %s\n", dir)
	}
	return nil
}

func runRecover(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	initLogging(cfg)

	tenantID, _ := cmd.Flags().GetString("tenant")
	destDir, _ := cmd.Flags().GetString("dest-dir")
	target, _ := cmd.Flags().GetUint64("target")
	schemaModule, _ := cmd.Flags().GetString("schema-module")
	if tenantID == "" || destDir == "" || schemaModule == "" {
		return fmt.Errorf("--tenant, --dest-dir and --schema-module are required")
	}

	registry, err := schema.LoadModuleFile(schemaModule)
	if err != nil {
		return fmt.Errorf("loading schema module: %w", err)
	}

	backend, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	objectStoreDir, _ := cmd.Flags().GetString("object-store-dir")
	objStore, err := objectstore.NewLocalFS(objectStoreDir)
	if err != nil {
		return fmt.Errorf("opening object store: %w", err)
	}

	rec := recovery.New(recovery.Config{
		ObjectStore: objStore,
		Backend:     backend,
		Registry:    registry,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	fmt.Printf("restoring tenant %s from the latest snapshot at or before position %d...\n", tenantID, target)
	ts, manifest, err := rec.Restore(ctx, tenantID, destDir, target)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	defer ts.Close()
	fmt.Printf("restored snapshot at wal_position=%d (schema %s)\n", manifest.WALPosition, manifest.SchemaFingerprint)

	fmt.Println("replaying archive and live WAL...")
	if err := rec.Replay(ctx, ts, tenantID, target); err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	checkpoint, err := ts.Canonical.Checkpoint()
	if err != nil {
		return fmt.Errorf("reading final checkpoint: %w", err)
	}
	fmt.Printf("recovery complete: tenant %s restored into %s at wal_position=%d\n", tenantID, destDir, checkpoint)
	return nil
}

func runDeadletter(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	tenantID, _ := cmd.Flags().GetString("tenant")
	limit, _ := cmd.Flags().GetInt("limit")

	reader := deadletter.NewReader(filepath.Join(cfg.Apply.DeadletterDir, "deadletter.jsonl"))
	entries, err := reader.Query(deadletter.Query{TenantID: tenantID, Limit: limit})
	if err != nil {
		return fmt.Errorf("querying dead-letter log: %w", err)
	}
	if len(entries) == 0 {
		fmt.Println("no dead-lettered events")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%s  tenant=%s  wal_position=%d  event=%s  reason=%s  %s\n",
			e.Timestamp.Format(time.RFC3339), e.TenantID, e.WALPosition, e.EventID, e.Reason, e.Detail)
	}
	return nil
}
