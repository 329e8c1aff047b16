package wa

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"

	"followup-engine/internal/channel"
	"followup-engine/internal/dedup"
	"followup-engine/internal/dispatch"
	"followup-engine/internal/metrics"
)

// ErrNotConnected is returned while the device is offline or unpaired.
var ErrNotConnected = errors.New("whatsapp client not connected")

// Config holds configuration to initialise the WhatsApp client.
type Config struct {
	StorePath string
	LogLevel  string
	Metrics   *metrics.Metrics
}

// conn is the part of whatsmeow.Client the sender uses.
type conn interface {
	IsConnected() bool
	IsLoggedIn() bool
	SendMessage(ctx context.Context, to types.JID, message *waProto.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
}

// Client wraps the WhatsMeow client and sends campaign messages as plain text.
type Client struct {
	client  *whatsmeow.Client
	conn    conn
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a new WhatsApp client instance backed by an SQLite store.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.StorePath == "" {
		return nil, errors.New("store path is required")
	}

	if err := ensureDir(filepath.Dir(cfg.StorePath)); err != nil {
		return nil, fmt.Errorf("ensure store dir: %w", err)
	}

	storeLogger := waLog.Stdout("whatsmeow/sqlstore", cfg.LogLevel, true)
	container, err := sqlstore.New(ctx, "sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout=10000&_pragma=foreign_keys(ON)", cfg.StorePath), storeLogger)
	if err != nil {
		return nil, fmt.Errorf("create sqlstore: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}

	client := whatsmeow.NewClient(deviceStore, waLog.Stdout("whatsmeow/client", cfg.LogLevel, true))
	wc := &Client{
		client:  client,
		conn:    client,
		logger:  logger.With("component", "wa"),
		metrics: cfg.Metrics,
	}
	client.AddEventHandler(wc.handleEvent)
	return wc, nil
}

// Start connects the client and handles login/QR pairing flow.
func (c *Client) Start(ctx context.Context) error {
	if c.client.Store.ID == nil {
		c.logger.Info("pairing required, waiting for QR scan")
		qrChan, err := c.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("get qr channel: %w", err)
		}

		go func() {
			for evt := range qrChan {
				if evt.Event == "code" {
					c.logger.Info("scan the QR code with WhatsApp", "qr", evt.Code)
				} else {
					c.logger.Info("pairing event received", "event", evt.Event)
				}
			}
		}()
	}

	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("connect wa client: %w", err)
	}

	c.logger.Info("whatsapp client connected")
	return nil
}

// Close disconnects the WhatsApp client.
func (c *Client) Close() {
	if c.client != nil {
		c.client.Disconnect()
	}
}

func (c *Client) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		c.logger.Info("device connected")
	case *events.Disconnected:
		c.logger.Warn("device disconnected")
	case *events.LoggedOut:
		c.logger.Error("device logged out, pairing required", "on_connect", v.OnConnect)
	case *events.Receipt:
		if v.Type == types.ReceiptTypeDelivered || v.Type == types.ReceiptTypeRead {
			c.logger.Debug("message receipt", "from", v.Sender.String(), "type", string(v.Type), "ids", len(v.MessageIDs))
		}
	}
}

func ensureDir(dir string) error {
	if dir == "." || dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0o755)
	}
	return nil
}

// Send satisfies dispatch.Sender. The WhatsApp message id is derived from the
// idempotency key so a retry is recognised as the same message.
func (c *Client) Send(ctx context.Context, msg dispatch.Message) (dispatch.Receipt, error) {
	if !c.conn.IsConnected() || !c.conn.IsLoggedIn() {
		return dispatch.Receipt{}, dispatch.Transient(ErrNotConnected)
	}
	to, err := JIDFor(msg.Recipient)
	if err != nil {
		return dispatch.Receipt{}, dispatch.Permanent(err)
	}

	message := &waProto.Message{Conversation: proto.String(msg.Body)}
	var extra whatsmeow.SendRequestExtra
	if msg.IdempotencyKey != "" {
		extra.ID = MessageID(msg.IdempotencyKey)
	}
	resp, err := c.conn.SendMessage(ctx, to, message, extra)
	if err != nil {
		return dispatch.Receipt{}, dispatch.Transient(fmt.Errorf("send text: %w", err))
	}
	if c.metrics != nil {
		c.metrics.WAOutgoingMessages.WithLabelValues("text").Inc()
	}
	return dispatch.Receipt{ProviderID: string(resp.ID)}, nil
}

// JIDFor converts a phone number in any common notation into a user JID.
func JIDFor(recipient string) (types.JID, error) {
	digits := dedup.Normalize(channel.WhatsApp, recipient)
	if len(digits) < 7 {
		return types.JID{}, fmt.Errorf("invalid whatsapp number %q", recipient)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

// MessageID returns a deterministic message id in the format WhatsApp web clients use.
func MessageID(key string) types.MessageID {
	sum := sha256.Sum256([]byte(key))
	return types.MessageID("3EB0" + strings.ToUpper(hex.EncodeToString(sum[:9])))
}
