package control

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/yourneighborhoodchef/tokcheck/internal/engine"
	"github.com/yourneighborhoodchef/tokcheck/internal/logging"
)

const secretHeader = "X-Telegram-Bot-Api-Secret-Token"

// Engine is what the control surface drives. *engine.Engine implements it.
type Engine interface {
	HandleStart(ctx context.Context) error
	HandleStop() error
	HandleRefresh(ctx context.Context, full bool) (int, error)
	HandleStatus() engine.Status
}

// Replier sends a chat message back to the operator. *notify.Telegram
// implements it.
type Replier interface {
	Send(ctx context.Context, text string) error
}

type update struct {
	UpdateID int64    `json:"update_id"`
	Message  *message `json:"message"`
}

type message struct {
	MessageID int64 `json:"message_id"`
	Chat      struct {
		ID int64 `json:"id"`
	} `json:"chat"`
	Text string `json:"text"`
}

type WebhookConfig struct {
	ChatID         string
	Secret         string
	ReplyTimeout   time.Duration
	RefreshTimeout time.Duration
}

// Webhook turns Telegram updates from the operator chat into engine
// commands.
type Webhook struct {
	engine Engine
	reply  Replier
	cfg    WebhookConfig

	wg sync.WaitGroup
}

func NewWebhook(cfg WebhookConfig, eng Engine, reply Replier) *Webhook {
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = 10 * time.Second
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 2 * time.Minute
	}
	return &Webhook{engine: eng, reply: reply, cfg: cfg}
}

func (h *Webhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	l := logging.WithComponent("Control/Webhook")

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.cfg.Secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(secretHeader)), []byte(h.cfg.Secret)) != 1 {
		l.Warn().Str("remote_addr", r.RemoteAddr).Msg("Webhook call with bad secret token.")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var u update
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&u); err != nil {
		http.Error(w, "bad update", http.StatusBadRequest)
		return
	}
	if u.Message == nil {
		writeJSON(w, map[string]string{"status": "no message"})
		return
	}
	if strconv.FormatInt(u.Message.Chat.ID, 10) != h.cfg.ChatID {
		// Answer 200 so Telegram does not redeliver.
		l.Warn().Int64("chat_id", u.Message.Chat.ID).Msg("Ignoring command from unknown chat.")
		writeJSON(w, map[string]string{"status": "ignored"})
		return
	}

	h.dispatch(r.Context(), u.Message.Text)
	writeJSON(w, map[string]string{"status": "ok"})
}

// Wait blocks until replies from background commands are sent.
func (h *Webhook) Wait() {
	h.wg.Wait()
}

func (h *Webhook) dispatch(ctx context.Context, text string) {
	l := logging.WithComponent("Control/Webhook")
	cmd, args := parseCommand(text)
	if cmd == "" {
		return
	}
	l.Info().Str("command", cmd).Strs("args", args).Msg("Operator command received.")

	switch cmd {
	case "/start":
		switch err := h.engine.HandleStart(ctx); {
		case err == nil:
			h.send("Checker started.")
		case errors.Is(err, engine.ErrAlreadyRunning):
			h.send("Checker is already running.")
		default:
			h.send("Could not start checker: " + err.Error())
		}

	case "/stop":
		switch err := h.engine.HandleStop(); {
		case err == nil:
			h.send("Stopping, waiting for in-flight probes.")
		case errors.Is(err, engine.ErrNotRunning):
			h.send("Checker is not running.")
		default:
			h.send("Could not stop checker: " + err.Error())
		}

	case "/refresh":
		full := len(args) > 0 && strings.EqualFold(args[0], "full")
		h.send("Refreshing proxies...")
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			rctx, cancel := context.WithTimeout(context.Background(), h.cfg.RefreshTimeout)
			defer cancel()
			n, err := h.engine.HandleRefresh(rctx, full)
			if err != nil {
				h.send("Proxy refresh failed: " + err.Error())
				return
			}
			h.send(fmt.Sprintf("Proxy refresh admitted %d proxies.", n))
		}()

	case "/status":
		h.send(StatusText(h.engine.HandleStatus()))

	default:
		h.send("Unknown command. Use /start, /stop, /refresh [full] or /status.")
	}
}

func (h *Webhook) send(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.ReplyTimeout)
	defer cancel()
	if err := h.reply.Send(ctx, text); err != nil {
		logging.WithComponent("Control/Webhook").Warn().Err(err).Msg("Failed to reply to operator.")
	}
}

// parseCommand splits "/refresh@somebot full" into "/refresh" and ["full"].
func parseCommand(text string) (string, []string) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil
	}
	cmd := strings.ToLower(fields[0])
	if at := strings.IndexByte(cmd, '@'); at > 0 {
		cmd = cmd[:at]
	}
	return cmd, fields[1:]
}

func StatusText(st engine.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "State: %s\n", st.State)
	fmt.Fprintf(&b, "Proxies: %d total, %d eligible, %d cooling, %d banned\n",
		st.Pool.Total, st.Pool.Eligible, st.Pool.Cooling, st.Pool.Banned)
	fmt.Fprintf(&b, "In flight: %d, queued: %d\n", st.InFlight, st.QueueDepth)
	b.WriteString(st.Summary.String())
	return b.String()
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
