// Package publish fans backtest results out over NATS
package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/yourusername/quantlink-pairs/pkg/backtest"
	"github.com/yourusername/quantlink-pairs/pkg/logger"
)

// Header keys set on every message
const (
	HeaderRunID       = "Run-Id"
	HeaderContentType = "Content-Type"

	contentType  = "application/x-protobuf; type=google.protobuf.Struct"
	flushTimeout = 2 * time.Second
)

// Conn is the part of *nats.Conn the publisher needs
type Conn interface {
	PublishMsg(m *nats.Msg) error
	FlushTimeout(timeout time.Duration) error
	Close()
}

// NATSPublisher publishes pair results on <subject>.pair and run summaries on <subject>.run.
// Payloads are protobuf-encoded google.protobuf.Struct messages.
type NATSPublisher struct {
	conn    Conn
	subject string
	log     *zap.Logger
}

var _ backtest.ResultPublisher = (*NATSPublisher)(nil)

// Connect 连接 NATS 并创建发布器
func Connect(url, subject string, log *zap.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("quantlink-pairs-backtest"),
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return New(conn, subject, log), nil
}

// New wraps an existing connection
func New(conn Conn, subject string, log *zap.Logger) *NATSPublisher {
	return &NATSPublisher{conn: conn, subject: subject, log: logger.OrNop(log).Named("publish")}
}

// PairSubject returns the subject pair results are published on
func (p *NATSPublisher) PairSubject() string { return p.subject + ".pair" }

// RunSubject returns the subject run summaries are published on
func (p *NATSPublisher) RunSubject() string { return p.subject + ".run" }

// PublishPair publishes the summary of one pair
func (p *NATSPublisher) PublishPair(ctx context.Context, runID string, pr *backtest.PairResult) error {
	payload, err := PairPayload(runID, pr)
	if err != nil {
		return err
	}
	return p.publish(ctx, p.PairSubject(), runID, payload)
}

// PublishRun publishes the run summary and flushes the connection
func (p *NATSPublisher) PublishRun(ctx context.Context, run *backtest.RunResult) error {
	payload, err := RunPayload(run)
	if err != nil {
		return err
	}
	if err := p.publish(ctx, p.RunSubject(), run.RunID, payload); err != nil {
		return err
	}
	if err := p.conn.FlushTimeout(flushTimeout); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

func (p *NATSPublisher) publish(ctx context.Context, subject, runID string, payload *structpb.Struct) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := proto.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", subject, err)
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(HeaderRunID, runID)
	msg.Header.Set(HeaderContentType, contentType)
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	p.log.Debug("published", zap.String("subject", subject), zap.Int("bytes", len(data)))
	return nil
}

// Close 关闭连接
func (p *NATSPublisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}

// PairPayload builds the message body for one pair
func PairPayload(runID string, pr *backtest.PairResult) (*structpb.Struct, error) {
	var open interface{}
	if pr.Open != nil {
		open = map[string]interface{}{
			"direction":      pr.Open.Direction.String(),
			"entry_time":     timestampString(pr.Open.EntryTime),
			"unrealized_pnl": pr.Open.UnrealizedPnL.String(),
		}
	}
	perf := pr.Performance
	return structpb.NewStruct(map[string]interface{}{
		"run_id":         runID,
		"pair":           pr.Key(),
		"symbol_a":       pr.Candidate.SymbolA,
		"symbol_b":       pr.Candidate.SymbolB,
		"pvalue":         pr.Candidate.PValue,
		"hedge_ratio":    pr.Candidate.HedgeRatio,
		"trades":         len(pr.Trades),
		"initial":        pr.Summary.InitialCapital.String(),
		"final":          pr.Summary.FinalCapital.String(),
		"return_percent": pr.Summary.ReturnPercent,
		"win_rate":       perf.WinRate,
		"profit_factor":  perf.ProfitFactor,
		"sharpe":         perf.SharpeRatio,
		"max_drawdown":   perf.MaxDrawdown,
		"open":           open,
	})
}

// RunPayload builds the message body for a run summary
func RunPayload(run *backtest.RunResult) (*structpb.Struct, error) {
	pairs := make([]interface{}, 0, len(run.Pairs))
	for i := range run.Pairs {
		pairs = append(pairs, run.Pairs[i].Key())
	}
	skipped := make([]interface{}, 0, len(run.Skipped))
	for _, sk := range run.Skipped {
		skipped = append(skipped, map[string]interface{}{
			"pair":   sk.Candidate.Key(),
			"stage":  sk.Stage,
			"reason": sk.Reason,
		})
	}
	t := run.Totals
	return structpb.NewStruct(map[string]interface{}{
		"run_id":         run.RunID,
		"name":           run.Name,
		"started_at":     timestampString(run.StartedAt),
		"finished_at":    timestampString(run.FinishedAt),
		"period_start":   timestampString(run.Period.Start),
		"period_end":     timestampString(run.Period.End),
		"interval":       run.Period.Interval,
		"universe":       len(run.Universe),
		"pairs":          pairs,
		"skipped":        skipped,
		"total_trades":   t.TotalTrades,
		"win_rate":       t.WinRate,
		"total_pnl":      t.TotalPNL.String(),
		"return_percent": t.ReturnPercent,
		"avg_sharpe":     t.AvgSharpe,
	})
}

// timestampString renders t in the canonical google.protobuf.Timestamp JSON form
func timestampString(t time.Time) string {
	ts := timestamppb.New(t)
	if err := ts.CheckValid(); err != nil {
		return ""
	}
	b, err := protojson.Marshal(ts)
	if err != nil {
		return ""
	}
	// protojson wraps the value in quotes
	return string(b[1 : len(b)-1])
}

// Decode parses a message body published by NATSPublisher
func Decode(data []byte) (*structpb.Struct, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return &s, nil
}
