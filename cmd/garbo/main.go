// Command garbo places a phone call and puts an AI agent on the line.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"

	"github.com/garbo-ai/garbo/internal/assistant"
	"github.com/garbo-ai/garbo/internal/backend"
	"github.com/garbo-ai/garbo/internal/backend/local"
	"github.com/garbo-ai/garbo/internal/backend/realtime"
	"github.com/garbo-ai/garbo/internal/config"
	"github.com/garbo-ai/garbo/internal/llm"
	"github.com/garbo-ai/garbo/internal/observe"
	"github.com/garbo-ai/garbo/internal/session"
	"github.com/garbo-ai/garbo/internal/trigger"
	"github.com/garbo-ai/garbo/internal/voip"
	"github.com/garbo-ai/garbo/pkg/sipctl"
)

var version = "dev"

// delegateTool is advertised to the realtime model so it can hand requests
// it cannot fulfil on the phone to the assistant gateway.
var delegateTool = backend.Tool{
	Name:        trigger.DefaultDelegateTool,
	Description: "Classify a caller request that needs outside help and hand it to the household assistant.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"intent": map[string]any{
				"type":        "string",
				"description": "Short intent label such as send_text, set_reminder or look_up.",
			},
			"request": map[string]any{
				"type":        "string",
				"description": "The caller's request in plain words.",
			},
		},
		"required": []string{"intent", "request"},
	},
}

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	number := flag.String("call", "", "phone number to dial (10-digit or 1-prefixed)")
	backendName := flag.String("backend", string(config.BackendRealtime), "voice backend: realtime or local")
	agentName := flag.String("agent", "", "agent profile name (default: first configured profile)")
	instructions := flag.String("instructions", "", "override the agent's instructions for this call")
	transcriptPath := flag.String("transcript", "", "write a transcript of the call to this file")
	verbose := flag.Bool("verbose", false, "force debug logging")
	listCalls := flag.Bool("calls", false, "list active calls on the control channel and exit")
	regInfo := flag.Bool("reginfo", false, "show SIP registration status and exit")
	balance := flag.Bool("balance", false, "show VoIP account balance and numbers and exit")
	flag.Parse()

	// .env is optional; real environments set variables directly.
	_ = godotenv.Load()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "garbo: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "garbo: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := cfg.Server.LogLevel
	if *verbose {
		level = config.LogDebug
	}
	slog.SetDefault(newLogger(level))

	// ── Control-channel utilities ─────────────────────────────────────────────
	ctl := sipctl.New(cfg.Telephony.ControlAddr)
	if *listCalls || *regInfo {
		return runControlQuery(ctl, *listCalls, *regInfo)
	}
	if *balance {
		return runBalanceQuery(cfg)
	}

	if *number == "" {
		fmt.Fprintln(os.Stderr, "garbo: -call is required (or use -calls/-reginfo/-balance)")
		return 1
	}
	dialNumber := sipctl.CanonicalNumber(*number)

	// ── Agent profile ─────────────────────────────────────────────────────────
	profile, err := selectAgent(cfg, *agentName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "garbo: %v\n", err)
		return 1
	}
	if *instructions != "" {
		profile = profile.WithInstructions(*instructions)
	}

	callID := uuid.NewString()
	log := slog.Default().With("call_id", callID)
	log.Info("garbo starting",
		"version", version,
		"number", dialNumber,
		"backend", *backendName,
		"agent", profile.Name,
	)

	// ── Metrics ───────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		MetricsAddr:    cfg.Server.MetricsAddr,
	})
	if err != nil {
		log.Error("metrics init failed", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(sctx); err != nil {
			log.Warn("metrics shutdown", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		log.Error("metric instruments failed", "err", err)
		return 1
	}

	// ── Voice backend ─────────────────────────────────────────────────────────
	be, err := buildBackend(cfg, config.BackendKind(*backendName), profile, metrics)
	if err != nil {
		fmt.Fprintf(os.Stderr, "garbo: %v\n", err)
		return 1
	}

	// ── Session ───────────────────────────────────────────────────────────────
	opts := []session.Option{
		session.WithSIP(ctl, cfg.Telephony.SIPServer),
		session.WithSocketPath(cfg.Telephony.AudioSocket),
		session.WithLockPath(cfg.Telephony.LockFile),
		session.WithMetrics(metrics),
	}
	if *transcriptPath != "" {
		opts = append(opts, session.WithTranscript(*transcriptPath))
	}
	if cfg.Assistant.Model != "" {
		gw, err := buildAssistant(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "garbo: %v\n", err)
			return 1
		}
		opts = append(opts, session.WithDelegator(gw))
	}

	sess := session.New(dialNumber, be, opts...)

	if err := sess.Run(ctx); err != nil {
		if errors.Is(err, session.ErrLocked) {
			fmt.Fprintln(os.Stderr, "Another call is already running.")
			return 2
		}
		log.Error("call failed", "err", err)
		return 1
	}
	log.Info("goodbye")
	return 0
}

// selectAgent resolves the requested profile, falling back to the first
// configured profile when no name is given.
func selectAgent(cfg *config.Config, name string) (config.AgentProfile, error) {
	if name != "" {
		return cfg.Agent(name)
	}
	if len(cfg.Agents) == 0 {
		return config.AgentProfile{}, errors.New("no agent profiles configured")
	}
	return cfg.Agents[0], nil
}

// buildBackend constructs the voice backend selected on the command line.
func buildBackend(cfg *config.Config, kind config.BackendKind, profile config.AgentProfile, metrics *observe.Metrics) (backend.Backend, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")

	switch kind {
	case config.BackendRealtime:
		if apiKey == "" {
			return nil, errors.New("OPENAI_API_KEY is required for the realtime backend")
		}
		opts := []realtime.Option{
			realtime.WithModel(cfg.Realtime.Model),
			realtime.WithTools([]backend.Tool{delegateTool}),
		}
		if cfg.Realtime.BaseURL != "" {
			opts = append(opts, realtime.WithBaseURL(cfg.Realtime.BaseURL))
		}
		return realtime.New(apiKey, profile.Voice, profile.Instructions, opts...), nil

	case config.BackendLocal:
		if len(cfg.Local.STTCommand) == 0 || len(cfg.Local.TTSCommand) == 0 {
			return nil, errors.New("local backend needs local.stt_command and local.tts_command in the config")
		}
		if apiKey == "" && cfg.Local.LLMBaseURL == "" {
			return nil, errors.New("OPENAI_API_KEY is required unless local.llm_base_url points at a local server")
		}
		var llmOpts []llm.Option
		if cfg.Local.LLMBaseURL != "" {
			llmOpts = append(llmOpts, llm.WithBaseURL(cfg.Local.LLMBaseURL))
		}
		client, err := llm.New(apiKey, cfg.Local.LLMModel, llmOpts...)
		if err != nil {
			return nil, err
		}
		return local.New(cfg.Local.STTCommand, cfg.Local.TTSCommand, client, profile.Instructions,
			local.WithMetrics(metrics)), nil

	default:
		return nil, fmt.Errorf("unknown backend %q (want realtime or local)", kind)
	}
}

// buildAssistant constructs the delegated-request gateway client.
func buildAssistant(cfg *config.Config) (*assistant.Client, error) {
	key := os.Getenv("ASSISTANT_API_KEY")
	if key == "" {
		key = os.Getenv("OPENAI_API_KEY")
	}
	if key == "" && cfg.Assistant.BaseURL == "" {
		return nil, errors.New("ASSISTANT_API_KEY is required unless assistant.base_url points at a local gateway")
	}
	var opts []assistant.Option
	if cfg.Assistant.BaseURL != "" {
		opts = append(opts, assistant.WithBaseURL(cfg.Assistant.BaseURL))
	}
	return assistant.New(key, cfg.Assistant.Model, opts...)
}

// runControlQuery answers the -calls and -reginfo utility flags.
func runControlQuery(ctl *sipctl.Client, listCalls, regInfo bool) int {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if regInfo {
		info, err := ctl.RegInfo(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "garbo: reginfo: %v\n", err)
			return 1
		}
		fmt.Println(info)
	}
	if listCalls {
		calls, err := ctl.ListCalls(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "garbo: listcalls: %v\n", err)
			return 1
		}
		fmt.Println(calls)
	}
	return 0
}

// runBalanceQuery answers the -balance utility flag against the VoIP
// provider's REST API.
func runBalanceQuery(cfg *config.Config) int {
	user, pass := os.Getenv("VOIP_USERNAME"), os.Getenv("VOIP_PASSWORD")
	if user == "" || pass == "" {
		fmt.Fprintln(os.Stderr, "garbo: VOIP_USERNAME and VOIP_PASSWORD are required for -balance")
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client := voip.New(cfg.VoIP.BaseURL, user, pass)
	bal, err := client.Balance(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "garbo: balance: %v\n", err)
		return 1
	}
	fmt.Printf("Balance: $%.2f\n", bal)

	dids, err := client.DIDs(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "garbo: dids: %v\n", err)
		return 1
	}
	for _, d := range dids {
		fmt.Printf("%s  %s  (%s)\n", d.Number, d.Description, d.Routing)
	}
	return 0
}

// newLogger builds the process logger at the configured level.
func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
