package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/spf13/cobra"

	"github.com/autobb888/vap-dispatcher/pkg/chat"
	"github.com/autobb888/vap-dispatcher/pkg/config"
	"github.com/autobb888/vap-dispatcher/pkg/container"
	"github.com/autobb888/vap-dispatcher/pkg/dispatcher"
	"github.com/autobb888/vap-dispatcher/pkg/health"
	"github.com/autobb888/vap-dispatcher/pkg/log"
	"github.com/autobb888/vap-dispatcher/pkg/marketplace"
	"github.com/autobb888/vap-dispatcher/pkg/metrics"
	"github.com/autobb888/vap-dispatcher/pkg/proxy"
	"github.com/autobb888/vap-dispatcher/pkg/signer"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "vap-dispatcher",
	Short:   "VAP dispatcher - runs pre-registered marketplace identities",
	Long:    `vap-dispatcher polls a marketplace for requested jobs, accepts them, starts one ephemeral sandbox container per job, and relays buyer chat through it over the credential proxy.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"vap-dispatcher version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the dispatcher process",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		identities, err := signer.LoadIdentities(cfg.AgentsDir)
		if err != nil {
			return fmt.Errorf("load identities: %w", err)
		}
		if len(identities) == 0 {
			return fmt.Errorf("no identities found under %s", cfg.AgentsDir)
		}
		fmt.Printf("✓ Loaded %d identities from %s\n", len(identities), cfg.AgentsDir)

		chatOrigin, err := wsOrigin(cfg.MarketplaceAPI)
		if err != nil {
			return fmt.Errorf("derive chat origin: %w", err)
		}

		sessions := make([]*dispatcher.IdentitySession, 0, len(identities))
		for _, id := range identities {
			sig, err := signer.New(id)
			if err != nil {
				return fmt.Errorf("signer for %s: %w", id.AgentID, err)
			}
			mkt, err := marketplace.New(cfg.MarketplaceAPI, sig, 30*time.Second)
			if err != nil {
				return fmt.Errorf("marketplace client for %s: %w", id.AgentID, err)
			}
			chatClient := chat.New(chatOrigin, mkt.ChatToken, nil)

			sessions = append(sessions, &dispatcher.IdentitySession{
				Identity: id,
				Signer:   sig,
				Market:   mkt,
				Chat:     chatClient,
			})
		}

		dockerClient, err := client.NewClientWithOpts(client.WithAPIVersionNegotiation())
		if err != nil {
			return fmt.Errorf("docker client: %w", err)
		}
		fmt.Println("✓ Docker client connected")

		proxySrv := proxy.NewServer(
			proxy.Upstream{BaseURL: cfg.LLMProviderURL, APIKey: cfg.LLMProviderKey},
			proxy.Upstream{BaseURL: cfg.EmbeddingProviderURL, APIKey: cfg.EmbeddingProviderKey},
			cfg.ProxyRateLimit,
		)
		proxyHTTP := &http.Server{
			Addr:         fmt.Sprintf("127.0.0.1:%d", cfg.ProxyPort),
			Handler:      proxySrv,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 60 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() {
			if err := proxyHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("proxy server error: %w", err)
			}
		}()
		fmt.Printf("✓ Credential proxy listening on %s\n", proxyHTTP.Addr)

		containerMgr := container.NewManager(dockerClient, container.Options{
			Image:         "vap-dispatcher/sandbox:latest",
			MemoryBytes:   cfg.ContainerMemoryBytes,
			CPUs:          cfg.ContainerCPUs,
			ConfigRoot:    cfg.SandboxConfigRoot,
			ProxyPort:     cfg.ProxyPort,
			HostGatewayIP: "172.17.0.1",
		})

		d := dispatcher.New(cfg, sessions, containerMgr, proxySrv)
		fmt.Println("✓ Dispatcher constructed")

		metricsCollector := metrics.NewCollector(d)
		metricsCollector.Start()
		fmt.Println("✓ Metrics collector started")

		healthSrv := health.NewServer(d, cfg.PoolSize())
		healthAddr := "127.0.0.1:9090"
		go func() {
			if err := healthSrv.Start(healthAddr); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("health server error: %w", err)
			}
		}()
		fmt.Printf("✓ Health endpoints: http://%s/health, /ready, /metrics\n", healthAddr)

		ctx, cancel := context.WithCancel(context.Background())
		runErrCh := make(chan error, 1)
		go func() {
			runErrCh <- d.Run(ctx)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		fmt.Println("Dispatcher running. Press Ctrl+C to stop.")
		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
			cancel()
			<-runErrCh
		case err := <-runErrCh:
			if err != nil {
				fmt.Fprintf(os.Stderr, "\ndispatcher exited: %v\n", err)
			}
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "\n%v\n", err)
			cancel()
			<-runErrCh
		}

		metricsCollector.Stop()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = proxyHTTP.Shutdown(shutdownCtx)

		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

// wsOrigin derives the chat transport's websocket origin from the
// marketplace API's HTTP(S) origin: the chat stream rides the same host,
// swapping http->ws and https->wss (spec §3: "bidirectional event stream
// over the marketplace origin").
func wsOrigin(apiURL string) (string, error) {
	switch {
	case strings.HasPrefix(apiURL, "https://"):
		return "wss://" + strings.TrimPrefix(apiURL, "https://"), nil
	case strings.HasPrefix(apiURL, "http://"):
		return "ws://" + strings.TrimPrefix(apiURL, "http://"), nil
	default:
		return "", fmt.Errorf("VAP_API must start with http:// or https://, got %q", apiURL)
	}
}
