// Stefan - a Discord persona bot with a self-curated memory.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dotsetgreg/stefan/pkg/agent"
	"github.com/dotsetgreg/stefan/pkg/bus"
	"github.com/dotsetgreg/stefan/pkg/channels"
	"github.com/dotsetgreg/stefan/pkg/config"
	"github.com/dotsetgreg/stefan/pkg/health"
	"github.com/dotsetgreg/stefan/pkg/logger"
	"github.com/dotsetgreg/stefan/pkg/memory"
	"github.com/dotsetgreg/stefan/pkg/metrics"
	"github.com/dotsetgreg/stefan/pkg/providers"
	"github.com/hashicorp/go-multierror"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const (
	appName         = "stefan"
	shutdownTimeout = 10 * time.Second
)

// configPathOverride is set by the persistent --config flag.
var configPathOverride string

func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func formatBuildInfo() (build string, goVer string) {
	if buildTime != "" {
		build = buildTime
	}
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n", appName, formatVersion())
	build, goVer := formatBuildInfo()
	if build != "" {
		fmt.Fprintf(w, "  Build: %s\n", build)
	}
	if goVer != "" {
		fmt.Fprintf(w, "  Go: %s\n", goVer)
	}
}

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func getConfigPath() string {
	if strings.TrimSpace(configPathOverride) != "" {
		return config.ExpandHome(configPathOverride)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".stefan", "config.json")
}

// loadConfig reads the config and applies its logging settings. debug
// overrides the configured level.
func loadConfig(debug bool) (*config.Config, error) {
	cfg, err := config.LoadConfig(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger.SetFormat(cfg.Log.Format)
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	if debug {
		logger.SetLevel(logger.DEBUG)
		logger.DebugC("cli", "Debug mode enabled")
	}
	return cfg, nil
}

func gatewayCmd(debug bool) error {
	cfg, err := loadConfig(debug)
	if err != nil {
		return err
	}
	if err := cfg.Validate(true); err != nil {
		return fmt.Errorf("configuration error in %s: %w", getConfigPath(), err)
	}

	provider, err := providers.CreateProvider(cfg)
	if err != nil {
		return fmt.Errorf("create provider: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	m := metrics.New()
	msgBus := bus.NewMessageBus()
	msgBus.OnDrop(m.BusDropped)

	mem, err := memory.NewServiceFromConfig(ctx, cfg.Memory)
	if err != nil {
		return fmt.Errorf("initialize memory: %w", err)
	}
	mem.OnChange(m.MemoryRecords)
	if records, err := mem.All(ctx); err == nil {
		m.MemoryRecords(len(records))
	}

	janitor, err := memory.NewJanitor(mem, cfg.Memory.SweepCron)
	if err != nil {
		return err
	}

	channelManager, err := channels.NewDiscordManager(cfg, msgBus)
	if err != nil {
		return err
	}

	agentLoop, err := agent.NewAgentLoop(cfg, msgBus, channelManager, provider, mem, m)
	if err != nil {
		return err
	}
	logger.InfoCF("agent", "Agent initialized", agentLoop.GetStartupInfo())

	healthServer := health.NewServer(cfg.Gateway.Host, cfg.Gateway.Port)
	healthServer.Handle("/metrics", m.Handler())
	healthServer.RegisterCheck("channels", func() error {
		if !channelManager.AllRunning() {
			return errors.New("channel not running")
		}
		return nil
	})
	healthServer.RegisterCheck("memory", func() error {
		checkCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := mem.All(checkCtx)
		return err
	})

	if err := channelManager.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	logger.InfoCF("gateway", "Channels enabled", map[string]interface{}{
		"channels": channelManager.GetEnabledChannels(),
	})

	janitor.Start(ctx)

	go func() {
		if err := healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorCF("health", "Health server error", map[string]interface{}{"error": err.Error()})
		}
	}()
	logger.InfoCF("gateway", "Health endpoints available", map[string]interface{}{
		"addr":  healthServer.Addr(),
		"paths": []string{"/health", "/ready", "/metrics"},
	})

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := agentLoop.Run(ctx); err != nil {
			logger.ErrorCF("agent", "Agent loop stopped", map[string]interface{}{"error": err.Error()})
		}
	}()

	<-ctx.Done()
	logger.InfoC("gateway", "Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	var result *multierror.Error
	agentLoop.Stop()
	<-loopDone
	janitor.Stop()
	if err := channelManager.StopAll(shutdownCtx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := healthServer.Stop(shutdownCtx); err != nil {
		result = multierror.Append(result, fmt.Errorf("health server: %w", err))
	}
	msgBus.Close()

	if err := result.ErrorOrNil(); err != nil {
		return err
	}
	logger.InfoC("gateway", "Gateway stopped")
	return nil
}

func chatCmd(debug bool) error {
	cfg, err := loadConfig(debug)
	if err != nil {
		return err
	}
	if err := cfg.Validate(false); err != nil {
		return fmt.Errorf("configuration error in %s: %w", getConfigPath(), err)
	}

	provider, err := providers.CreateProvider(cfg)
	if err != nil {
		return fmt.Errorf("create provider: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mem, err := memory.NewServiceFromConfig(ctx, cfg.Memory)
	if err != nil {
		return fmt.Errorf("initialize memory: %w", err)
	}

	msgBus := bus.NewMessageBus()
	console := channels.NewConsoleChannel(msgBus, cfg.Persona.Name, filepath.Join(os.TempDir(), ".stefan_history"))
	console.OnExit(cancel)

	manager := channels.NewManager(msgBus)
	manager.RegisterChannel(console.Name(), console)

	agentLoop, err := agent.NewAgentLoop(cfg, msgBus, manager, provider, mem, nil)
	if err != nil {
		return err
	}

	if err := manager.StartAll(ctx); err != nil {
		return err
	}
	go agentLoop.Run(ctx)

	<-ctx.Done()
	agentLoop.Stop()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	err = manager.StopAll(stopCtx)
	msgBus.Close()
	return err
}

func openMemory(ctx context.Context) (*memory.Service, error) {
	cfg, err := loadConfig(false)
	if err != nil {
		return nil, err
	}
	return memory.NewServiceFromConfig(ctx, cfg.Memory)
}

func memoryListCmd(w io.Writer, svc *memory.Service, includeExpired bool, now time.Time) error {
	ctx := context.Background()
	var (
		records []memory.Record
		err     error
	)
	if includeExpired {
		records, err = svc.All(ctx)
	} else {
		records, err = svc.Recall(ctx, now)
	}
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(w, "No memories stored.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TITLE\tMEMORY\tUPDATED\tEXPIRES\tSUPERUSER")
	for _, r := range records {
		expires := "never"
		if r.ExpiresOn != nil {
			expires = r.ExpiresOn.String()
			if !r.Live(now) {
				expires += " (expired)"
			}
		}
		superuser := ""
		if r.IssuedBySuperuser {
			superuser = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Title, r.Memory, r.LastUpdated.String(), expires, superuser)
	}
	return tw.Flush()
}

func memoryPruneCmd(w io.Writer, svc *memory.Service, now time.Time) error {
	removed, err := svc.Prune(context.Background(), now)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Removed %d expired memories.\n", removed)
	return nil
}

func memoryClearCmd(w io.Writer, svc *memory.Service) error {
	if err := svc.Clear(context.Background()); err != nil {
		return err
	}
	fmt.Fprintln(w, "Memory cleared.")
	return nil
}

func statusCmd(w io.Writer) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	configPath := getConfigPath()

	fmt.Fprintf(w, "%s Status\n", appName)
	fmt.Fprintf(w, "Version: %s\n", formatVersion())
	if build, _ := formatBuildInfo(); build != "" {
		fmt.Fprintf(w, "Build: %s\n", build)
	}
	fmt.Fprintln(w)

	mark := func(ok bool, missing string) string {
		if ok {
			return "✓"
		}
		return missing
	}

	_, statErr := os.Stat(configPath)
	fmt.Fprintln(w, "Config:", configPath, mark(statErr == nil, "✗ (using defaults)"))

	_, backstoryErr := os.Stat(config.ExpandHome(cfg.Persona.BackstoryPath))
	fmt.Fprintln(w, "Backstory:", cfg.Persona.BackstoryPath, mark(backstoryErr == nil, "✗"))

	providerName, configured, provErr := providers.ProviderCredentialStatus(cfg)
	if provErr != nil {
		fmt.Fprintln(w, "Provider:", provErr)
	} else {
		fmt.Fprintf(w, "Provider: %s (%s)\n", providerName, cfg.ActiveProvider().Model)
		fmt.Fprintln(w, "API key:", mark(configured, "not set"))
	}
	discordReady := strings.TrimSpace(cfg.Channels.Discord.Token) != ""
	fmt.Fprintln(w, "Discord token:", mark(discordReady, "not set"))

	fmt.Fprintf(w, "Memory: %s backend, %s policy, max %d\n", cfg.Memory.Backend, cfg.Memory.Policy, cfg.Memory.MaxRecords)
	if svc, err := memory.NewServiceFromConfig(context.Background(), cfg.Memory); err != nil {
		fmt.Fprintln(w, "Memory store:", err)
	} else if records, err := svc.All(context.Background()); err != nil {
		fmt.Fprintln(w, "Memory store:", err)
	} else {
		live := memory.FilterLive(records, time.Now())
		fmt.Fprintf(w, "Memory store: %d records (%d live)\n", len(records), len(live))
	}

	fmt.Fprintln(w, "Chat ready:", mark(configured && backstoryErr == nil, "no"))
	fmt.Fprintln(w, "Gateway ready:", mark(configured && discordReady && backstoryErr == nil, "no"))
	return nil
}
