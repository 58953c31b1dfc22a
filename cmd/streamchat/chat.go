package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"streamchat/internal/api"
	"streamchat/internal/bus"
	"streamchat/internal/config"
	"streamchat/internal/coordinator"
	"streamchat/internal/domain"
	"streamchat/internal/dwell"
	"streamchat/internal/metrics"
	"streamchat/internal/transport"

	"github.com/spf13/cobra"
)

func runChat(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	preview, _ := cmd.Flags().GetBool("preview")

	level := slog.LevelInfo
	switch cfg.General.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logOut := os.Stderr
	if cfg.General.LogFile != "" {
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		logOut = f
	}
	logger = slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	messageBus := bus.New(logger)

	session := transport.NewSession(transport.Config{
		URL:         cfg.Chat.URL,
		CancelURL:   cfg.Chat.CancelURL,
		Flow:        cfg.Chat.Flow,
		Token:       cfg.Chat.Token,
		Anonymous:   cfg.Chat.Anonymous || preview,
		MaxAttempts: cfg.Chat.MaxAttempts,
		BackoffBase: cfg.Chat.BackoffBase(),
		BackoffCap:  cfg.Chat.BackoffCap(),
		StopTimeout: cfg.Chat.StopTimeout(),
		Logger:      logger,
	})

	sessions := api.NewClient(api.Config{
		BaseURL: cfg.API.BaseURL,
		Token:   cfg.Chat.Token,
		Timeout: time.Duration(cfg.API.TimeoutSeconds) * time.Second,
		Logger:  logger,
	})

	redirect := api.Redirector(func(reason string) {
		fmt.Fprintf(os.Stderr, "\nAuthentication required (%s). Update chat.token in %s and retry.\n", reason, resolveConfigPath())
	})

	coord := coordinator.New(coordinator.Config{
		Tabs:        cfg.Tabs,
		Flow:        cfg.Chat.Flow,
		Token:       cfg.Chat.Token,
		Preview:     preview,
		PageContent: cfg.Chat.PageContent,
		Logger:      logger,
	}, session, sessions, redirect, messageBus)

	coord.Open(ctx)
	defer coord.Close()

	clock := startDwell(cfg, coord, messageBus, logger)
	if clock != nil {
		defer clock.Destroy()
	}

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Port)
	}

	registerRenderer(messageBus, coord)

	fmt.Printf("streamchat %s. Tabs: %s. Commands: /tab <name>, /new, /stop, /quit\n",
		version, tabNames(cfg.Tabs))
	return repl(ctx, coord, clock)
}

// repl reads user input until EOF, Ctrl+C, or /quit.
func repl(ctx context.Context, coord *coordinator.Coordinator, clock *dwell.Clock) error {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	prompt := func() { fmt.Printf("[%s] > ", coord.State().ActiveTab()) }
	prompt()
	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				prompt()
				continue
			}
			if done := handleLine(ctx, coord, clock, line); done {
				return nil
			}
			prompt()
		}
	}
}

func handleLine(ctx context.Context, coord *coordinator.Coordinator, clock *dwell.Clock, line string) (quit bool) {
	switch {
	case line == "/quit" || line == "/exit":
		return true

	case line == "/new":
		if err := coord.StartNewChat(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "new chat:", err)
		}

	case line == "/stop":
		if err := coord.StopGenerating(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "stop:", err)
		}

	case strings.HasPrefix(line, "/tab "):
		tab := strings.TrimSpace(strings.TrimPrefix(line, "/tab "))
		if err := coord.ChangeTab(ctx, tab); err != nil {
			fmt.Fprintln(os.Stderr, "tab:", err)
			break
		}
		if clock != nil {
			clock.RouteChanged()
		}

	case strings.HasPrefix(line, "/"):
		fmt.Fprintln(os.Stderr, "unknown command:", line)

	default:
		if err := coord.Send(ctx, line); err != nil {
			fmt.Fprintln(os.Stderr, "send:", err)
		}
	}
	return false
}

// registerRenderer prints streamed output and connection transitions as the
// bus reports them.
func registerRenderer(b *bus.Bus, coord *coordinator.Coordinator) {
	b.On(bus.EventGenerationFinished, func(ev bus.Event) {
		tab := coord.State().ActiveTab()
		msgs := coord.State().Messages(tab)
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Role == domain.RoleAssistant {
				fmt.Printf("\n%s\n", msgs[i].Content)
				break
			}
		}
	})
	b.On(bus.EventConnectionError, func(ev bus.Event) {
		if msg, ok := ev.Payload["message"].(string); ok {
			fmt.Fprintln(os.Stderr, "\nstream error:", msg)
		}
	})
	b.On(bus.EventPaymentRequired, func(ev bus.Event) {
		fmt.Fprintln(os.Stderr, "\nYour plan limit was reached. Upgrade to continue.")
	})
}

// startDwell arms time-on-tab tracking when enabled. Returns nil otherwise.
func startDwell(cfg *config.Config, coord *coordinator.Coordinator, b *bus.Bus, logger *slog.Logger) *dwell.Clock {
	if !cfg.Dwell.Enabled {
		return nil
	}
	var sink dwell.Sink = dwell.SlogSink{Logger: logger}
	if cfg.Dwell.DBPath != "" {
		s, err := dwell.NewSQLiteSink(cfg.Dwell.DBPath, logger)
		if err != nil {
			logger.Warn("dwell database unavailable, falling back to log sink", "err", err)
		} else {
			sink = s
		}
	}
	clock := dwell.NewClock(dwell.Config{
		Interval: time.Duration(cfg.Dwell.IntervalSeconds) * time.Second,
		Route:    coord.State().ActiveTab,
		Sink:     busSink{inner: sink, bus: b},
		Logger:   logger,
	})
	clock.Start()
	return clock
}

// busSink mirrors every dwell flush onto the event bus alongside the real sink.
type busSink struct {
	inner dwell.Sink
	bus   *bus.Bus
}

func (s busSink) Record(route string, elapsed time.Duration) {
	s.inner.Record(route, elapsed)
	s.bus.Emit(bus.Event{Type: bus.EventDwellFlushed, Source: "dwell",
		Payload: map[string]any{"route": route, "seconds": elapsed.Seconds()}})
}

func serveMetrics(port int) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", metrics.Collector.Handler())
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	logger.Info("metrics endpoint", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", "err", err)
	}
}

func tabNames(tabs []domain.TabConfig) string {
	names := make([]string, len(tabs))
	for i, t := range tabs {
		names[i] = t.Name
	}
	return strings.Join(names, ", ")
}
