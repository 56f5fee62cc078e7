package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/caravelhq/caravel/pkg/api"
	"github.com/caravelhq/caravel/pkg/audit"
	"github.com/caravelhq/caravel/pkg/builder"
	"github.com/caravelhq/caravel/pkg/config"
	"github.com/caravelhq/caravel/pkg/deploy"
	"github.com/caravelhq/caravel/pkg/events"
	"github.com/caravelhq/caravel/pkg/health"
	"github.com/caravelhq/caravel/pkg/lock"
	"github.com/caravelhq/caravel/pkg/log"
	"github.com/caravelhq/caravel/pkg/manager"
	"github.com/caravelhq/caravel/pkg/phases"
	"github.com/caravelhq/caravel/pkg/ports"
	"github.com/caravelhq/caravel/pkg/queue"
	"github.com/caravelhq/caravel/pkg/remote"
	"github.com/caravelhq/caravel/pkg/scan"
	"github.com/caravelhq/caravel/pkg/security"
	"github.com/caravelhq/caravel/pkg/storage"
	"github.com/caravelhq/caravel/pkg/types"
	"github.com/caravelhq/caravel/pkg/vcs"
	"github.com/caravelhq/caravel/pkg/worker"
	"github.com/caravelhq/caravel/pkg/workflow"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the deployment server",
	Long: `Run the deployment server: the API, the per-environment worker
pools, and the queue sweeper, all in one process.`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().String("config", "", "Path to a YAML config file")
	serverCmd.Flags().String("data-dir", "", "Override data directory")
	serverCmd.Flags().String("redis-addr", "", "Override redis address")
	serverCmd.Flags().String("listen-addr", "", "Override API listen address")
	serverCmd.Flags().Int("workers", 0, "Override workers per environment")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}

	// Flags override file values.
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("redis-addr"); v != "" {
		cfg.RedisAddr = v
	}
	if v, _ := cmd.Flags().GetString("listen-addr"); v != "" {
		cfg.ListenAddr = v
	}
	if v, _ := cmd.Flags().GetInt("workers"); v > 0 {
		cfg.Workers = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.EncryptionPassword == "" {
		return fmt.Errorf("encryption_password must be set (secret env values are encrypted at rest)")
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	logger := log.WithComponent("server")

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer client.Close()
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	redactor, err := security.NewRedactor(nil)
	if err != nil {
		return err
	}
	secrets, err := security.NewSecretsManagerFromPassword(cfg.EncryptionPassword)
	if err != nil {
		return err
	}
	gw := audit.NewGateway(store, redactor, secrets)

	bus := events.NewBus(events.Config{
		SubscriberBuffer: cfg.Events.SubscriberBuffer,
		OverflowPolicy:   events.OverflowPolicy(cfg.Events.OverflowPolicy),
	}, gw)

	queues := make(map[types.Environment]*queue.Queue, len(types.Environments))
	queueList := make([]*queue.Queue, 0, len(types.Environments))
	for _, env := range types.Environments {
		q := queue.NewQueue(client, env, cfg.Queue)
		queues[env] = q
		queueList = append(queueList, q)
	}
	locker := lock.NewLocker(client)

	exec, err := remote.NewSSHExecutor(cfg.SSH.User, cfg.SSH.KeyPath)
	if err != nil {
		return fmt.Errorf("failed to initialize ssh executor: %w", err)
	}
	prober := health.NewHTTPProber()
	clock := ports.SystemClock{}

	deps := &deploy.Deps{
		Exec:   exec,
		Prober: prober,
		Clock:  clock,
		Sink:   bus,
		Health: gw,
		Config: cfg.Deploy,
		Canary: cfg.Canary,
	}
	coord := workflow.New(workflow.Coordinator{
		Store:    store,
		Audit:    gw,
		Sink:     bus,
		Runner:   phases.NewRunner(gw, bus),
		Security: phases.NewSecurityPhase(vcs.NewGitCLI(), scan.NewTrivyScanner(), gw, cfg.Security),
		Build:    phases.NewBuildPhase(builder.NewDockerBuilder(), gw, bus, clock, cfg.Build),
		Deploy:   phases.NewDeployPhase(deploy.NewRollingDeployer(deps), deploy.NewCanaryDeployer(deps)),
		Prober:   prober,
		Clock:    clock,
		Config:   cfg,
	})

	pools := make([]*worker.Pool, 0, len(types.Environments))
	for _, env := range types.Environments {
		pools = append(pools, worker.NewPool(queues[env], locker, coord, env, cfg.Workers, cfg.Lock))
	}
	sweeper := queue.NewSweeper(queueList, cfg.Queue.SweepInterval)

	mgr := manager.New(store, gw, bus, queues)
	apiSrv := api.NewServer(mgr, cfg.Webhook)

	for _, p := range pools {
		p.Start()
	}
	sweeper.Start()

	errCh := make(chan error, 1)
	go func() {
		if err := apiSrv.Start(cfg.ListenAddr); err != nil {
			errCh <- err
		}
	}()
	logger.Info().
		Str("listen_addr", cfg.ListenAddr).
		Str("data_dir", cfg.DataDir).
		Int("workers", cfg.Workers).
		Msg("caravel server running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("api server failed")
	}

	apiSrv.Stop()
	sweeper.Stop()
	for _, p := range pools {
		p.Stop()
	}
	logger.Info().Msg("shutdown complete")
	return nil
}
