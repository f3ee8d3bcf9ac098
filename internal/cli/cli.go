// Package cli wires the cluster binary: master and worker entry points,
// plus operator commands that talk to a running master.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/prologin/stechec-cluster/internal/master"
	"github.com/prologin/stechec-cluster/internal/metrics"
	"github.com/prologin/stechec-cluster/internal/rpc"
	"github.com/prologin/stechec-cluster/internal/store"
	"github.com/prologin/stechec-cluster/internal/worker"
	"github.com/prologin/stechec-cluster/pkg/types"
)

var log = slog.Default()

// Config maps the YAML configuration file. Durations are plain seconds.
type Config struct {
	Master struct {
		Host                 string `yaml:"host"`
		Port                 int    `yaml:"port"`
		SharedSecret         string `yaml:"shared_secret"`
		DBPath               string `yaml:"db_path"`
		HeartbeatTimeoutSecs int    `yaml:"heartbeat_timeout_secs"`
		MatchTimeoutSecs     int    `yaml:"match_timeout_secs"`
	} `yaml:"master"`

	Worker struct {
		Hostname       string `yaml:"hostname"`
		Port           int    `yaml:"port"`
		AvailableSlots int    `yaml:"available_slots"`
		PortRangeStart int    `yaml:"port_range_start"`
		PortRangeEnd   int    `yaml:"port_range_end"`
		HeartbeatSecs  int    `yaml:"heartbeat_secs"`
	} `yaml:"worker"`

	Path worker.Paths `yaml:"path"`

	Timeout struct {
		CompileSecs int `yaml:"compile_secs"`
		ServerSecs  int `yaml:"server_secs"`
		ClientSecs  int `yaml:"client_secs"`
	} `yaml:"timeout"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

func (c *Config) masterURL() string {
	host := c.Master.Host
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, c.Master.Port)
}

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cluster",
		Short: "Contest match scheduler",
		Long: `cluster runs the contest scheduling system: a master that owns the
contest database and the task queue, and worker nodes that compile
champions and run matches.`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c",
		"configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildMasterCommand())
	rootCmd.AddCommand(buildWorkerCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildNewChampionCommand())
	rootCmd.AddCommand(buildNewMatchCommand())
	return rootCmd
}

func buildMasterCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "master",
		Short: "Run the master node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			return runMaster(cfg)
		},
	}
}

func runMaster(cfg *Config) error {
	st, err := store.Open(cfg.Master.DBPath)
	if err != nil {
		return fmt.Errorf("open contest database: %w", err)
	}
	defer st.Close()

	m := master.New(master.Config{
		Port:             cfg.Master.Port,
		Secret:           []byte(cfg.Master.SharedSecret),
		DBPath:           cfg.Master.DBPath,
		HeartbeatTimeout: secs(cfg.Master.HeartbeatTimeoutSecs),
		MatchTimeout:     secs(cfg.Master.MatchTimeoutSecs),
	}, st)

	if cfg.Metrics.Enabled {
		m.SetMetrics(metrics.NewCollector(prometheus.DefaultRegisterer))
		go func() {
			log.Info("metrics server starting", "port", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	return m.Run(signalContext())
}

func buildWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run a worker node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			return runWorker(cfg)
		},
	}
}

func runWorker(cfg *Config) error {
	secret := []byte(cfg.Master.SharedSecret)
	masterClient := rpc.NewClient(cfg.masterURL(), secret, 0)

	agent, err := worker.New(worker.Config{
		MasterURL:         cfg.masterURL(),
		Secret:            secret,
		Hostname:          cfg.Worker.Hostname,
		Port:              cfg.Worker.Port,
		AvailableSlots:    cfg.Worker.AvailableSlots,
		PortRangeStart:    cfg.Worker.PortRangeStart,
		PortRangeEnd:      cfg.Worker.PortRangeEnd,
		HeartbeatInterval: secs(cfg.Worker.HeartbeatSecs),
		CompileTimeout:    secs(cfg.Timeout.CompileSecs),
		ServerTimeout:     secs(cfg.Timeout.ServerSecs),
		ClientTimeout:     secs(cfg.Timeout.ClientSecs),
	}, worker.NewRunner(cfg.Path), masterClient)
	if err != nil {
		return err
	}
	return agent.Run(signalContext())
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show cluster status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			return showStatus(cfg)
		},
	}
}

func showStatus(cfg *Config) error {
	client := rpc.NewClient(cfg.masterURL(), []byte(cfg.Master.SharedSecret), 10*time.Second)

	var reply master.StatusReply
	if err := client.Call(context.Background(), "status", struct{}{}, &reply); err != nil {
		return fmt.Errorf("query master: %w", err)
	}

	fmt.Printf("Workers: %d\n", len(reply.Workers))
	for _, w := range reply.Workers {
		fmt.Printf("  %-24s slots %d/%d, %d in flight, last seen %s\n",
			w.ID, w.Slots, w.MaxSlots, w.TasksInFlight,
			w.LastHeartbeat.Format(time.RFC3339))
	}
	fmt.Printf("Queued tasks: %d\n", reply.QueueDepth)
	fmt.Printf("Pending matches: %d\n", len(reply.PendingMatches))
	for _, m := range reply.PendingMatches {
		fmt.Printf("  match %d: %d players, %d dispatched, %d reported, scores %v\n",
			m.MatchID, m.Players, m.Dispatched, m.Reported, m.HaveScores)
	}
	return nil
}

func buildNewChampionCommand() *cobra.Command {
	var user, file string

	cmd := &cobra.Command{
		Use:   "new-champion",
		Short: "Submit a champion source archive for compilation",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			sources, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read sources: %w", err)
			}

			client := rpc.NewClient(cfg.masterURL(), []byte(cfg.Master.SharedSecret), 30*time.Second)
			var reply types.NewChampionReply
			err = client.Call(context.Background(), "new_champion",
				types.NewChampionArgs{User: user, Sources: sources}, &reply)
			if err != nil {
				return err
			}
			fmt.Printf("champion %d submitted\n", reply.ChampionID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "", "champion owner")
	cmd.Flags().StringVarP(&file, "file", "f", "", "gzipped tar of champion sources")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("file")
	return cmd
}

func buildNewMatchCommand() *cobra.Command {
	var champions []int64
	var options []string

	cmd := &cobra.Command{
		Use:   "new-match",
		Short: "Schedule a match between compiled champions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			if len(champions) < 2 {
				return fmt.Errorf("a match needs at least two champions")
			}

			players := make([]types.MatchPlayer, 0, len(champions))
			for i, id := range champions {
				players = append(players, types.MatchPlayer{
					ChampionID:    id,
					MatchPlayerID: int64(i + 1),
					User:          fmt.Sprintf("champion-%d", id),
				})
			}
			opts, err := parseOptions(options)
			if err != nil {
				return err
			}

			client := rpc.NewClient(cfg.masterURL(), []byte(cfg.Master.SharedSecret), 30*time.Second)
			var reply types.NewMatchReply
			err = client.Call(context.Background(), "new_match",
				types.NewMatchArgs{Players: players, Options: opts}, &reply)
			if err != nil {
				return err
			}
			fmt.Printf("match %d scheduled\n", reply.MatchID)
			return nil
		},
	}

	cmd.Flags().Int64SliceVar(&champions, "champion", nil, "champion id, repeat per player")
	cmd.Flags().StringArrayVar(&options, "option", nil, "referee option as flag=value")
	cmd.MarkFlagRequired("champion")
	return cmd
}

func parseOptions(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	opts := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("bad option %q, want flag=value", p)
		}
		opts[k] = v
	}
	return opts, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutting down", "signal", sig.String())
		cancel()
	}()
	return ctx
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Master.SharedSecret == "" {
		return nil, fmt.Errorf("master.shared_secret must be set")
	}
	return &cfg, nil
}

func secs(n int) time.Duration {
	return time.Duration(n) * time.Second
}
