// Command verba is a terminal client for the assistant core: typed chat
// with simulated streaming, spoken replies, and hands-free voice input.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/verba-ai/verba/internal/metrics"
	"github.com/verba-ai/verba/pkg/backend"
	"github.com/verba-ai/verba/pkg/core"
	"github.com/verba-ai/verba/pkg/core/capture"
	"github.com/verba-ai/verba/pkg/core/speech"
	"github.com/verba-ai/verba/pkg/core/turn"
	"github.com/verba-ai/verba/pkg/core/types"
	"github.com/verba-ai/verba/pkg/core/voice/stt"
	"github.com/verba-ai/verba/pkg/core/voice/tts"
	"github.com/verba-ai/verba/pkg/store"
)

const (
	defaultBackendURL = "http://127.0.0.1:8080"
	defaultLanguage   = "en-US"
	playbackRate      = 24000
	playbackChannels  = 1
)

type appConfig struct {
	BackendURL  string
	TTSURL      string
	STTURL      string
	Token       string
	Fingerprint string
	DBPath      string
	Language    string
	Voice       bool
	MetricsAddr string
	LogLevel    string
}

func parseConfig(args []string, getenv func(string) string) (appConfig, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	cfg := appConfig{}
	fs := flag.NewFlagSet("verba", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.BackendURL, "backend-url", envOr(getenv, "VERBA_BACKEND_URL", defaultBackendURL), "inference backend base URL")
	fs.StringVar(&cfg.TTSURL, "tts-url", envOr(getenv, "VERBA_TTS_URL", defaultBackendURL), "speech synthesis base URL")
	fs.StringVar(&cfg.STTURL, "stt-url", envOr(getenv, "VERBA_STT_URL", "ws://127.0.0.1:8080/recognize"), "speech recognition WebSocket URL")
	fs.StringVar(&cfg.DBPath, "db", envOr(getenv, "VERBA_DB_PATH", "verba.db"), "local session database path")
	fs.StringVar(&cfg.Language, "language", envOr(getenv, "VERBA_LANGUAGE", defaultLanguage), "recognition and synthesis language tag")
	fs.BoolVar(&cfg.Voice, "voice", false, "enable microphone capture and spoken replies")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", strings.TrimSpace(getenv("VERBA_METRICS_ADDR")), "optional address for the Prometheus metrics listener")
	fs.StringVar(&cfg.LogLevel, "log-level", envOr(getenv, "VERBA_LOG_LEVEL", "info"), "log level: debug|info|warn|error")

	if err := fs.Parse(args); err != nil {
		return appConfig{}, err
	}

	cfg.Token = strings.TrimSpace(getenv("VERBA_TOKEN"))
	cfg.Fingerprint = strings.TrimSpace(getenv("VERBA_DEVICE_FINGERPRINT"))

	if strings.TrimSpace(cfg.BackendURL) == "" {
		return appConfig{}, errors.New("backend-url must not be empty")
	}
	if cfg.Token == "" && cfg.Fingerprint == "" {
		return appConfig{}, errors.New("set VERBA_TOKEN or VERBA_DEVICE_FINGERPRINT for remote session sync")
	}
	return cfg, nil
}

func envOr(getenv func(string) string, name, fallback string) string {
	if v := strings.TrimSpace(getenv(name)); v != "" {
		return v
	}
	return fallback
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type app struct {
	cfg          appConfig
	logger       *slog.Logger
	metrics      *metrics.Metrics
	store        *store.Store
	orchestrator *turn.Orchestrator
	queue        *speech.Queue
	loop         *capture.Loop
	mic          *capture.Mic

	sessionID string
	out       io.Writer
}

func newApp(cfg appConfig, logger *slog.Logger, out io.Writer) (*app, func(), error) {
	local, err := store.OpenLocal(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open local store: %w", err)
	}
	cleanup := func() { _ = local.Close() }

	m := metrics.New("verba")

	remote := store.NewRemoteClient(cfg.BackendURL, cfg.Token, cfg.Fingerprint)
	sessions := store.New(local, remote, logger)
	sessions.OnSyncFailure = m.RecordSyncFailure

	a := &app{
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		store:     sessions,
		sessionID: types.NewSessionID,
		out:       out,
	}

	if cfg.Voice {
		player, err := speech.NewOtoPlayer(playbackRate, playbackChannels)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("init playback: %w", err)
		}
		a.queue = speech.NewQueue(speech.Config{
			TTS:      tts.NewClient(cfg.TTSURL, cfg.Token),
			Player:   player,
			Fallback: &speech.CommandSpeaker{},
			Voice:    tts.VoiceFemale,
			OnPlaybackStart: func() {
				// No open microphone while the assistant speaks.
				if a.loop != nil {
					a.loop.Suspend()
				}
			},
			OnAllDone: func() {
				if a.loop != nil {
					a.loop.Resume()
					a.loop.ResumeAfterPlayback()
				}
			},
			OnStatus: func(st speech.Status) {
				if st.State == speech.StateCompleted || st.State == speech.StateAborted {
					m.RecordSpeechTask(st.State.String())
				}
			},
			Logger: logger,
		})

		mic, err := capture.OpenMic(capture.DefaultMicConfig())
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("open microphone: %w", err)
		}
		a.mic = mic
		prev := cleanup
		cleanup = func() { mic.Close(); prev() }

		recognizer := stt.NewWebSocketRecognizer(stt.DefaultWebSocketConfig(cfg.STTURL, cfg.Token), mic)
		a.loop = capture.NewLoop(capture.Config{
			Recognizer: recognizer,
			OnPartial: func(text string) {
				fmt.Fprintf(a.out, "\r… %s", text)
			},
			OnFinal: func(text, language string) {
				fmt.Fprintf(a.out, "\ryou said: %s\n", text)
				a.submitVoice(text, language)
			},
			OnState: func(st capture.State) {
				switch st {
				case capture.StateListening:
					m.RecordCaptureStart()
				case capture.StateIdle, capture.StateError:
					m.RecordCaptureEnd()
				}
			},
			OnError: func(err error) {
				if core.IsPermission(err) {
					fmt.Fprintln(a.out, "microphone access denied; voice input disabled")
					return
				}
				fmt.Fprintf(a.out, "voice input error: %v\n", err)
			},
			Logger: logger,
		})
	}

	var speaker turn.Speaker
	if a.queue != nil {
		speaker = a.queue
	}
	a.orchestrator = turn.New(turn.Config{
		Inference: backend.NewClient(cfg.BackendURL, cfg.Token),
		Store:     sessions,
		Speaker:   speaker,
		OnReveal: func(messageID, visible string) {
			fmt.Fprintf(a.out, "\r%s", visible)
		},
		OnMessage: func(sessionID string, msg types.Message) {
			if msg.Role == types.RoleAssistant {
				fmt.Fprintln(a.out)
				if a.loop != nil {
					a.loop.ObserveReply(msg.Content)
				}
			}
		},
		OnSessionID: func(id string) {
			a.sessionID = id
		},
		OnLimitReached: func() {
			fmt.Fprintln(a.out, "usage limit reached; upgrade to continue")
		},
		Logger: logger,
	})

	return a, cleanup, nil
}

func (a *app) submitVoice(text, language string) {
	start := time.Now()
	id, err := a.orchestrator.Send(context.Background(), turn.Input{
		SessionID: a.sessionID,
		Text:      text,
		Language:  language,
		FromVoice: true,
	})
	a.sessionID = id
	a.recordTurn(err, "voice", start)
	if a.queue != nil && a.queue.Status() == (speech.Status{}) {
		// Nothing queued to speak (greeting path renders silently, or
		// the turn failed): reopen capture now.
		a.loop.ResumeAfterPlayback()
	}
}

func (a *app) recordTurn(err error, origin string, start time.Time) {
	outcome := "ok"
	switch {
	case core.IsLimitReached(err):
		outcome = "limit"
	case err != nil:
		outcome = "error"
	}
	a.metrics.RecordTurn(outcome, origin, time.Since(start))
}

func (a *app) runREPL(ctx context.Context, in io.Reader) error {
	fmt.Fprintf(a.out, "verba connected to %s\n", a.cfg.BackendURL)
	fmt.Fprintln(a.out, "Type /exit to quit. /new starts a session, /sessions lists them, /history shows the current one.")
	if a.loop != nil {
		fmt.Fprintln(a.out, "Voice: /listen starts hands-free input, /mute stops it, /stopspeech silences playback.")
	}

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(a.out, "> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			fmt.Fprintln(a.out)
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if handled, quit := a.handleCommand(ctx, line); quit {
			return nil
		} else if handled {
			continue
		}

		start := time.Now()
		id, err := a.orchestrator.Send(ctx, turn.Input{
			SessionID: a.sessionID,
			Text:      line,
			Language:  a.cfg.Language,
		})
		a.sessionID = id
		a.recordTurn(err, "typed", start)
		if err != nil && !core.IsLimitReached(err) {
			a.logger.Warn("turn failed", "error", err)
		}
	}
}

func (a *app) handleCommand(ctx context.Context, line string) (handled, quit bool) {
	switch {
	case line == "/exit" || line == "/quit":
		fmt.Fprintln(a.out, "bye")
		return true, true
	case line == "/new":
		a.sessionID = types.NewSessionID
		fmt.Fprintln(a.out, "started a new session")
	case line == "/sessions":
		sessions, err := a.store.ListSessions(ctx)
		if err != nil {
			fmt.Fprintf(a.out, "list error: %v\n", err)
			break
		}
		for _, s := range sessions {
			fmt.Fprintf(a.out, "%s  %s  (%s)\n", s.ID, s.Title, s.UpdatedAt.Format(time.DateTime))
		}
	case line == "/history":
		history, err := a.store.History(ctx, a.sessionID)
		if err != nil {
			fmt.Fprintf(a.out, "history error: %v\n", err)
			break
		}
		for _, msg := range history {
			fmt.Fprintf(a.out, "[%s] %s\n", msg.Role, msg.Content)
		}
	case strings.HasPrefix(line, "/open:"):
		a.sessionID = strings.TrimSpace(strings.TrimPrefix(line, "/open:"))
		fmt.Fprintf(a.out, "opened session %s\n", a.sessionID)
	case strings.HasPrefix(line, "/rename:"):
		title := strings.TrimSpace(strings.TrimPrefix(line, "/rename:"))
		if err := a.store.RenameSession(ctx, a.sessionID, title); err != nil {
			fmt.Fprintf(a.out, "rename error: %v\n", err)
		}
	case strings.HasPrefix(line, "/edit:"):
		rest := strings.TrimSpace(strings.TrimPrefix(line, "/edit:"))
		id, text, ok := strings.Cut(rest, " ")
		if !ok {
			fmt.Fprintln(a.out, "usage: /edit:<message-id> <new text>")
			break
		}
		start := time.Now()
		err := a.orchestrator.EditMessage(ctx, a.sessionID, id, strings.TrimSpace(text))
		a.recordTurn(err, "edit", start)
		if err != nil {
			fmt.Fprintf(a.out, "edit error: %v\n", err)
		}
	case line == "/abort":
		a.orchestrator.Abort()
	case strings.HasPrefix(line, "/say:"):
		if a.queue == nil {
			fmt.Fprintln(a.out, "voice is disabled; restart with -voice")
			break
		}
		a.sayMessage(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/say:")))
	case line == "/stopspeech":
		if a.queue != nil {
			a.queue.Stop()
		}
		if a.loop != nil {
			// A manual speech stop is not a playback completion, so the
			// drain hook never fires; lift the suspension here.
			a.loop.Resume()
		}
	case line == "/listen":
		if a.loop == nil {
			fmt.Fprintln(a.out, "voice is disabled; restart with -voice")
			break
		}
		if err := a.loop.Start(a.cfg.Language); err != nil {
			fmt.Fprintf(a.out, "listen error: %v\n", err)
		}
	case line == "/mute":
		if a.loop != nil {
			a.loop.StopManual()
		}
	default:
		return false, false
	}
	return true, false
}

// sayMessage speaks a persisted message on demand: toggles pause/resume
// when it is already playing, otherwise pre-empts whatever the queue is
// doing.
func (a *app) sayMessage(ctx context.Context, messageID string) {
	if a.queue.Toggle(messageID) {
		return
	}
	history, err := a.store.History(ctx, a.sessionID)
	if err != nil {
		fmt.Fprintf(a.out, "history error: %v\n", err)
		return
	}
	for _, msg := range history {
		if msg.ID == messageID {
			a.queue.EnqueueForce(speech.Task{
				Text:        msg.Content,
				Language:    a.cfg.Language,
				MessageID:   msg.ID,
				Attachments: msg.Attachments,
			})
			return
		}
	}
	fmt.Fprintf(a.out, "no message %s in this session\n", messageID)
}

func main() {
	_ = godotenv.Load()

	cfg, err := parseConfig(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verba: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	a, cleanup, err := newApp(cfg, logger, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verba: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", a.metrics.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Warn("metrics listener stopped", "error", err)
			}
		}()
	}

	if err := a.runREPL(context.Background(), os.Stdin); err != nil {
		fmt.Fprintf(os.Stderr, "verba: %v\n", err)
		os.Exit(1)
	}
}
