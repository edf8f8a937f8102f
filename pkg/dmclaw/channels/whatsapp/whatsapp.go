// Package whatsapp sends direct messages as a linked WhatsApp device using
// whatsmeow. The device session is kept in a SQLite file; pairing happens
// once through Pair (dmclaw setup) and later runs reuse it.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jholhewres/dmclaw/pkg/dmclaw/channels"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for session store.
)

// ErrNotPaired means no linked device session exists yet.
var ErrNotPaired = errors.New("whatsapp: device not paired, run dmclaw setup")

// Config holds WhatsApp channel configuration.
type Config struct {
	// SessionPath is the SQLite file holding the device session.
	SessionPath string `yaml:"session_path"`

	// DeviceName is shown in the phone's linked devices list.
	DeviceName string `yaml:"device_name"`
}

// WhatsApp implements channels.Sender.
type WhatsApp struct {
	cfg    Config
	logger *slog.Logger

	client    *whatsmeow.Client
	connected atomic.Bool
	mu        sync.Mutex
}

// New creates a WhatsApp sender.
func New(cfg Config, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SessionPath == "" {
		cfg.SessionPath = "./data/whatsapp.db"
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "dmclaw"
	}
	return &WhatsApp{cfg: cfg, logger: logger.With("component", "whatsapp")}
}

// Name returns "whatsapp".
func (w *WhatsApp) Name() string { return "whatsapp" }

func (w *WhatsApp) newClient(ctx context.Context) (*whatsmeow.Client, error) {
	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", w.cfg.SessionPath),
		waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("creating session store: %w", err)
	}
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting device: %w", err)
	}
	device := container.NewDevice()
	if len(devices) > 0 {
		device = devices[0]
	}
	store.SetOSInfo(w.cfg.DeviceName, [3]uint32{1, 0, 0})

	client := whatsmeow.NewClient(device, waLog.Noop)
	client.EnableAutoReconnect = true
	return client, nil
}

// Connect opens the existing device session.
func (w *WhatsApp) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.connected.Load() {
		return nil
	}
	client, err := w.newClient(ctx)
	if err != nil {
		return err
	}
	if client.Store.ID == nil {
		return ErrNotPaired
	}
	if err := client.Connect(); err != nil {
		return fmt.Errorf("whatsapp: connecting: %w", err)
	}
	w.client = client
	w.connected.Store(true)
	w.logger.Info("whatsapp: connected (existing session)", "jid", client.Store.ID.String())
	return nil
}

// Pair links a new device. onCode receives each QR payload to render;
// it returns once the phone confirms or ctx ends.
func (w *WhatsApp) Pair(ctx context.Context, onCode func(code string)) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	client, err := w.newClient(ctx)
	if err != nil {
		return err
	}
	if client.Store.ID != nil {
		w.logger.Info("whatsapp: already paired", "jid", client.Store.ID.String())
		return nil
	}
	qrChan, err := client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}
	if err := client.Connect(); err != nil {
		return fmt.Errorf("connecting for QR: %w", err)
	}
	defer client.Disconnect()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return fmt.Errorf("QR channel closed unexpectedly")
			}
			switch evt.Event {
			case "code":
				onCode(evt.Code)
			case "success":
				w.logger.Info("whatsapp: login successful")
				return nil
			case "timeout":
				return fmt.Errorf("QR code timeout")
			default:
				if evt.Error != nil {
					return fmt.Errorf("QR login error: %w", evt.Error)
				}
			}
		}
	}
}

// Disconnect closes the websocket.
func (w *WhatsApp) Disconnect() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.connected.Store(false)
	if w.client != nil {
		w.client.Disconnect()
		w.client = nil
	}
	w.logger.Info("whatsapp: disconnected")
	return nil
}

// SendDirect sends text to the user JID derived from recipientID.
func (w *WhatsApp) SendDirect(ctx context.Context, recipientID, text string) (string, error) {
	w.mu.Lock()
	client := w.client
	w.mu.Unlock()
	if !w.connected.Load() || client == nil {
		return "", channels.ErrChannelDisconnected
	}
	jid, err := parseJID(recipientID)
	if err != nil {
		return "", fmt.Errorf("whatsapp: %w: %v", channels.ErrInvalidRecipient, err)
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("whatsapp: %w", channels.ErrEmptyMessage)
	}

	resp, err := client.SendMessage(ctx, jid, buildTextMessage(text))
	if err != nil {
		if errors.Is(err, whatsmeow.ErrNotConnected) || errors.Is(err, whatsmeow.ErrNotLoggedIn) {
			return "", fmt.Errorf("whatsapp: %w: %v", channels.ErrChannelDisconnected, err)
		}
		return "", fmt.Errorf("whatsapp: sending message: %w", err)
	}
	return string(resp.ID), nil
}

func buildTextMessage(text string) *waE2E.Message {
	return &waE2E.Message{Conversation: proto.String(text)}
}

// parseJID accepts a full user JID or a bare phone number (optionally
// stored as "user<digits>").
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}
	if strings.Contains(s, "@") {
		jid, err := types.ParseJID(s)
		if err != nil {
			return types.JID{}, err
		}
		if jid.Server != types.DefaultUserServer {
			return types.JID{}, fmt.Errorf("%s is not a user JID", s)
		}
		return jid, nil
	}
	id, err := channels.ParseExternalID(s)
	if err != nil {
		return types.JID{}, err
	}
	digits := fmt.Sprintf("%d", id)
	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

var _ channels.Sender = (*WhatsApp)(nil)
