// Package bridge connects a UI to the engine: it owns the engine transport
// and the session dispatcher and publishes every state change, in order, on a
// single updates channel.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"enginelink/internal/dispatch"
	"enginelink/internal/protocol"
	"enginelink/internal/transport"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrHandshakeTimeout is returned by Start when the engine does not send
	// ready in time.
	ErrHandshakeTimeout = errors.New("engine did not send ready in time")
	// ErrEmptyPrompt rejects a blank submit.
	ErrEmptyPrompt = errors.New("prompt is empty")
)

// DefaultStartupTimeout bounds the wait for the engine's ready message.
const DefaultStartupTimeout = 15 * time.Second

const defaultUpdateBuffer = 64

// Options configures a Client.
type Options struct {
	Transport         transport.Config
	StartupTimeout    time.Duration
	HeartbeatInterval time.Duration // zero disables heartbeats
	Mode              protocol.Mode
	Store             dispatch.Store
	Logger            *zap.Logger
	UpdateBuffer      int
	NewRequestID      func() string
}

// UpdateKind classifies an Update.
type UpdateKind string

const (
	UpdateReady   UpdateKind = "ready"
	UpdateEvent   UpdateKind = "event"
	UpdateAnomaly UpdateKind = "anomaly"
	UpdateExited  UpdateKind = "exited"
)

// Update is one state change. Session is the snapshot taken right after the
// change was applied.
type Update struct {
	Kind    UpdateKind
	Event   protocol.Event // set for event and anomaly updates
	Err     error          // anomaly or exit cause
	Session dispatch.Session
}

// Client is a single-use connection to one engine process.
type Client struct {
	opts       Options
	logger     *zap.Logger
	transport  *transport.StdioTransport
	dispatcher *dispatch.Dispatcher

	updates chan Update
	readyCh chan struct{}
	done    chan struct{}

	mu            sync.Mutex
	stopHeartbeat context.CancelFunc
	heartbeats    *errgroup.Group
	stopOnce      sync.Once
	stopErr       error
}

// New creates a client. The engine is not started until Start.
func New(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = DefaultStartupTimeout
	}
	if opts.UpdateBuffer <= 0 {
		opts.UpdateBuffer = defaultUpdateBuffer
	}
	if opts.NewRequestID == nil {
		opts.NewRequestID = func() string { return "req_" + uuid.NewString() }
	}

	return &Client{
		opts:      opts,
		logger:    opts.Logger,
		transport: transport.New(opts.Transport, opts.Logger.Named("transport")),
		dispatcher: dispatch.New(dispatch.Options{
			Store:  opts.Store,
			Logger: opts.Logger.Named("dispatch"),
			Mode:   opts.Mode,
		}),
		updates: make(chan Update, opts.UpdateBuffer),
		readyCh: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start spawns the engine and waits for its ready message.
func (c *Client) Start(ctx context.Context) error {
	c.transport.OnMessage(c.handleMessage)
	c.transport.OnExit(c.handleExit)

	if err := c.transport.Start(ctx); err != nil {
		c.dispatcher.StartupFailed(err)
		return err
	}

	timer := time.NewTimer(c.opts.StartupTimeout)
	defer timer.Stop()

	select {
	case <-c.readyCh:
	case <-c.transport.Done():
		err := errors.New("engine exited before sending ready")
		c.dispatcher.StartupFailed(err)
		return err
	case <-timer.C:
		c.dispatcher.StartupFailed(ErrHandshakeTimeout)
		_ = c.transport.Stop()
		return fmt.Errorf("%w (waited %s)", ErrHandshakeTimeout, c.opts.StartupTimeout)
	case <-ctx.Done():
		c.dispatcher.StartupFailed(ctx.Err())
		_ = c.transport.Stop()
		return ctx.Err()
	}

	if c.opts.HeartbeatInterval > 0 {
		hbCtx, cancel := context.WithCancel(context.Background())
		g, gctx := errgroup.WithContext(hbCtx)
		g.Go(func() error { return c.heartbeatLoop(gctx) })

		c.mu.Lock()
		c.stopHeartbeat = cancel
		c.heartbeats = g
		c.mu.Unlock()
	}
	return nil
}

// Updates returns the ordered stream of state changes. It is never closed;
// select on it together with your own shutdown signal.
func (c *Client) Updates() <-chan Update {
	return c.updates
}

// Submit sends a request in the current mode and returns its request id.
func (c *Client) Submit(content string) (string, error) {
	return c.SubmitMode(c.dispatcher.Mode(), content)
}

// SubmitMode sends a request in the given mode and returns its request id.
// It does not wait for the engine to answer.
func (c *Client) SubmitMode(mode protocol.Mode, content string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyPrompt
	}
	if !c.transport.Running() {
		return "", &transport.NotRunningError{Command: protocol.CommandType(mode)}
	}

	requestID := c.opts.NewRequestID()
	cmd, err := c.dispatcher.Submit(mode, content, requestID)
	if err != nil {
		return "", err
	}
	if err := c.transport.Send(cmd); err != nil {
		c.dispatcher.Abandon(requestID, err)
		return "", err
	}

	c.logger.Debug("Request sent", zap.String("request_id", requestID), zap.String("mode", string(mode)))
	return requestID, nil
}

// Abort asks the engine to stop the in-flight request. The session changes
// once the engine confirms.
func (c *Client) Abort() error {
	if err := c.dispatcher.RequestAbort(); err != nil {
		return err
	}
	return c.transport.Send(protocol.Abort())
}

// SetMode changes the mode for subsequent submits and tells the engine.
func (c *Client) SetMode(mode protocol.Mode) error {
	if err := c.dispatcher.SetMode(mode); err != nil {
		return err
	}
	if !c.transport.Running() {
		return nil
	}
	return c.transport.Send(protocol.SetMode(mode))
}

// Acknowledge returns an aborted or failed session to idle.
func (c *Client) Acknowledge() bool { return c.dispatcher.Acknowledge() }

// Clear removes all messages. It fails while a request is streaming.
func (c *Client) Clear() error { return c.dispatcher.Clear() }

// Snapshot returns the current session state.
func (c *Client) Snapshot() dispatch.Session { return c.dispatcher.Snapshot() }

// Mode returns the mode used by Submit.
func (c *Client) Mode() protocol.Mode { return c.dispatcher.Mode() }

// LastHeartbeat returns when the engine last acknowledged a heartbeat.
func (c *Client) LastHeartbeat() time.Time { return c.dispatcher.LastHeartbeat() }

// Anomalies returns the number of discarded events per reason.
func (c *Client) Anomalies() map[dispatch.StaleReason]uint64 { return c.dispatcher.Anomalies() }

// DecodeErrors returns how many engine lines could not be decoded.
func (c *Client) DecodeErrors() uint64 { return c.transport.DecodeErrors() }

// Stop shuts the engine down. Safe to call more than once.
func (c *Client) Stop() error {
	c.stopOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		cancel, g := c.stopHeartbeat, c.heartbeats
		c.mu.Unlock()
		if cancel != nil {
			cancel()
			_ = g.Wait()
		}

		c.stopErr = c.transport.Stop()
	})
	return c.stopErr
}

func (c *Client) handleMessage(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Ready:
		c.dispatcher.MarkReady(m)
		select {
		case c.readyCh <- struct{}{}:
		default:
		}
		c.publish(Update{Kind: UpdateReady, Session: c.dispatcher.Snapshot()})

	case *protocol.Envelope:
		err := c.dispatcher.Apply(m)
		if err == nil {
			c.publish(Update{Kind: UpdateEvent, Event: m.Event, Session: c.dispatcher.Snapshot()})
			return
		}

		var stale *dispatch.StaleEventError
		if errors.As(err, &stale) && stale.Reason == dispatch.ReasonSeqGap {
			// The request was failed locally; tell the engine to stop it.
			if sendErr := c.transport.Send(protocol.Abort()); sendErr != nil {
				c.logger.Debug("Abort after seq gap not sent", zap.Error(sendErr))
			}
		}
		c.publish(Update{Kind: UpdateAnomaly, Event: m.Event, Err: err, Session: c.dispatcher.Snapshot()})
	}
}

func (c *Client) handleExit(exit transport.Exit) {
	if c.dispatcher.ProcessExited(exit.Err) {
		c.logger.Warn("Engine exited during a request", zap.Error(exit.Err))
	}
	c.publish(Update{Kind: UpdateExited, Err: exit.Err, Session: c.dispatcher.Snapshot()})
}

// publish blocks until the UI takes the update or the client stops.
func (c *Client) publish(u Update) {
	select {
	case c.updates <- u:
	case <-c.done:
	}
}

// heartbeatLoop pings the engine while a request is in flight; the engine
// can only acknowledge inside a request.
func (c *Client) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if !c.dispatcher.Streaming() {
			continue
		}
		if err := c.transport.Send(protocol.Heartbeat()); err != nil {
			if errors.Is(err, transport.ErrNotRunning) {
				return nil
			}
			c.logger.Debug("Heartbeat not sent", zap.Error(err))
		}
	}
}
