package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nathanyu/matching-engine/internal/book"
	"github.com/nathanyu/matching-engine/internal/domain"
	"github.com/nathanyu/matching-engine/internal/engine"
)

// Statuses carried in CommandResult replies.
const (
	StatusOK       = "ok"
	StatusNotFound = "not_found"
	StatusError    = "error"
)

const defaultCommandTimeout = 5 * time.Second

// Connect opens a NATS connection configured for a long-lived service:
// bounded reconnect attempts with state transitions logged.
func Connect(url string, logger *zap.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("matching-engine"),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "connect nats")
	}
	return conn, nil
}

// Config carries the gateway dependencies.
type Config struct {
	Engine  *engine.Engine
	Conn    *nats.Conn
	Subject string
	Logger  *zap.Logger
	// Timeout bounds each command dispatch. Defaults to 5s.
	Timeout time.Duration
}

// Gateway consumes OrderCommand envelopes from a NATS subject and applies
// them to the engine. Messages that carry a reply subject get the command
// result back, so callers may use request/reply or fire-and-forget.
type Gateway struct {
	engine  *engine.Engine
	conn    *nats.Conn
	subject string
	logger  *zap.Logger
	timeout time.Duration
	sub     *nats.Subscription
}

func New(cfg Config) *Gateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	return &Gateway{
		engine:  cfg.Engine,
		conn:    cfg.Conn,
		subject: cfg.Subject,
		logger:  cfg.Logger,
		timeout: timeout,
	}
}

// Start subscribes to the command subject.
func (g *Gateway) Start() error {
	sub, err := g.conn.Subscribe(g.subject, g.handleMsg)
	if err != nil {
		return errors.Wrapf(err, "subscribe %s", g.subject)
	}
	g.sub = sub
	g.logger.Info("command gateway listening", zap.String("subject", g.subject))
	return nil
}

// Stop drops the subscription. The connection itself belongs to the caller.
func (g *Gateway) Stop() {
	if g.sub != nil {
		_ = g.sub.Unsubscribe()
	}
}

func (g *Gateway) handleMsg(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	result := g.dispatch(ctx, msg.Data)
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		g.logger.Error("marshal command result", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		g.logger.Warn("respond to command", zap.Error(err))
	}
}

// dispatch decodes one command envelope and runs it against the engine.
func (g *Gateway) dispatch(ctx context.Context, data []byte) domain.CommandResult {
	var cmd domain.OrderCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		g.logger.Warn("malformed order command", zap.Error(err))
		return domain.CommandResult{Status: StatusError, Error: "invalid command payload"}
	}

	switch cmd.Action {
	case domain.ActionSubmit:
		kind := cmd.Kind
		if kind == "" {
			kind = book.KindGoodTillCancel
		}
		res, err := g.engine.Submit(ctx, engine.OrderRequest{
			OrderID:  cmd.OrderID,
			Side:     cmd.Side,
			Kind:     kind,
			Price:    cmd.Price,
			Quantity: cmd.Quantity,
		})
		if err != nil {
			return errorResult(err)
		}
		return domain.CommandResult{
			Status:     StatusOK,
			SequenceID: res.SequenceID,
			Resting:    res.Resting,
			Trades:     res.Trades,
		}

	case domain.ActionCancel:
		res, err := g.engine.Cancel(ctx, cmd.OrderID)
		if err != nil {
			return errorResult(err)
		}
		if !res.Canceled {
			return domain.CommandResult{Status: StatusNotFound}
		}
		return domain.CommandResult{Status: StatusOK, SequenceID: res.SequenceID}

	case domain.ActionModify:
		res, err := g.engine.Modify(ctx, engine.ModifyRequest{
			OrderID:  cmd.OrderID,
			Side:     cmd.Side,
			Price:    cmd.Price,
			Quantity: cmd.Quantity,
		})
		if err != nil {
			return errorResult(err)
		}
		if !res.Found {
			return domain.CommandResult{Status: StatusNotFound}
		}
		return domain.CommandResult{
			Status:     StatusOK,
			SequenceID: res.SequenceID,
			Resting:    res.Resting,
			Trades:     res.Trades,
		}

	default:
		g.logger.Warn("unknown command action", zap.String("action", string(cmd.Action)))
		return domain.CommandResult{Status: StatusError, Error: "unknown action"}
	}
}

// errorResult maps engine failures to a reply. Validation problems carry
// their message back to the caller, anything else stays opaque.
func errorResult(err error) domain.CommandResult {
	if errors.Is(err, engine.ErrInvalidOrder) {
		return domain.CommandResult{Status: StatusError, Error: err.Error()}
	}
	return domain.CommandResult{Status: StatusError, Error: "internal error"}
}
