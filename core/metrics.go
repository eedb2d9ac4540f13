package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"
)

// UpdateMetrics describes the processing of one update.
type UpdateMetrics struct {
	TaskID         string       `json:"task_id"`
	BotPrefix      string       `json:"bot_prefix"`
	UpdateID       int64        `json:"update_id"`
	ReceivedAt     time.Time    `json:"received_at"`
	Category       Category     `json:"update_type_name"`
	User           *UserInfo    `json:"user_info,omitempty"`
	Message        *MessageInfo `json:"message_info,omitempty"`
	MatchedHandler string       `json:"matched_handler_name,omitempty"`
	// HandlerTestDurations lists the filter evaluation time of every
	// handler tried before (and including) the match.
	HandlerTestDurations []time.Duration `json:"handler_test_durations,omitempty"`
	ProcessingDuration   time.Duration   `json:"processing_duration"`
	Outcome              string          `json:"outcome"`
	// HandlerMetrics holds the values the handler attached with
	// Request.AddMetric.
	HandlerMetrics map[string]any `json:"handler_metrics,omitempty"`
	Fault          *FaultInfo     `json:"exception_info,omitempty"`
}

// UserInfo identifies the sender without exposing the raw user id.
type UserInfo struct {
	LanguageCode string `json:"language_code,omitempty"`
	UserIDHash   string `json:"user_id_hash"`
}

type MessageInfo struct {
	ContentType string `json:"content_type"`
	IsForwarded bool   `json:"is_forwarded"`
	IsReply     bool   `json:"is_reply"`
}

// FaultInfo is the unwrapped cause of a handler or middleware fault.
type FaultInfo struct {
	TypeName string `json:"type_name"`
	Body     string `json:"body"`
}

// MetricsSink receives one record per dispatched update.
type MetricsSink interface {
	Record(ctx context.Context, m UpdateMetrics) error
}

// MetricsFunc adapts a function to MetricsSink.
type MetricsFunc func(ctx context.Context, m UpdateMetrics) error

func (f MetricsFunc) Record(ctx context.Context, m UpdateMetrics) error { return f(ctx, m) }

// Stats are cumulative dispatch counters.
type Stats struct {
	Received         int64 `json:"received"`
	Handled          int64 `json:"handled"`
	HandledWithFault int64 `json:"handled_with_fault"`
	NoHandler        int64 `json:"no_handler"`
	Halted           int64 `json:"halted"`
	MiddlewareFaults int64 `json:"middleware_faults"`
	RegistryFaults   int64 `json:"registry_faults"`
	Abandoned        int64 `json:"abandoned"`
}

type counters struct {
	received         atomic.Int64
	handled          atomic.Int64
	handledWithFault atomic.Int64
	noHandler        atomic.Int64
	halted           atomic.Int64
	middlewareFaults atomic.Int64
	abandoned        atomic.Int64
}

func (c *counters) observe(res Result) {
	switch res.Outcome {
	case OutcomeHandled:
		c.handled.Add(1)
	case OutcomeHandledWithFault:
		c.handledWithFault.Add(1)
	case OutcomeNoHandler:
		c.noHandler.Add(1)
	case OutcomeHalted:
		c.halted.Add(1)
		if res.Err != nil {
			c.middlewareFaults.Add(1)
		}
	}
}

// HashUserID returns the hex digest reported in place of a user id.
func HashUserID(id int64) string {
	sum := sha256.Sum256([]byte(strconv.FormatInt(id, 10)))
	return hex.EncodeToString(sum[:16])
}

func userInfo(u Update) *UserInfo {
	s := u.Sender()
	if s == nil {
		return nil
	}
	return &UserInfo{LanguageCode: s.LanguageCode, UserIDHash: HashUserID(s.ID)}
}

func messageInfo(u Update) *MessageInfo {
	m := u.AnyMessage()
	if m == nil {
		return nil
	}
	return &MessageInfo{
		ContentType: m.ContentType(),
		IsForwarded: m.IsForwarded(),
		IsReply:     m.ReplyToMessage != nil,
	}
}

func faultInfo(err error) *FaultInfo {
	if err == nil {
		return nil
	}
	var hf *HandlerFault
	if errors.As(err, &hf) && hf.Err != nil {
		err = hf.Err
	}
	var mf *MiddlewareFault
	if errors.As(err, &mf) && mf.Err != nil {
		err = mf.Err
	}
	return &FaultInfo{TypeName: fmt.Sprintf("%T", err), Body: err.Error()}
}
