// Package cxdb provides a sink that mirrors crash reports into cxdb as
// SystemMessage items, one context per install.
package cxdb

import (
	"context"
	"fmt"
	"sync"

	cxdbclient "github.com/strongdm/ai-cxdb/clients/go"
	cxdtypes "github.com/strongdm/ai-cxdb/clients/go/types"

	"github.com/strongdm/ai-crashpad/pkg/crashpad"
)

// CXDBClient is the minimal interface for cxdb client operations.
// The real *cxdb.Client satisfies this interface.
type CXDBClient interface {
	CreateContext(ctx context.Context, baseTurnID uint64) (*cxdbclient.ContextHead, error)
	AppendTurn(ctx context.Context, req *cxdbclient.AppendRequest) (*cxdbclient.AppendResult, error)
}

// Option configures the cxdb sink.
type Option func(*cxdbSink)

// WithContextID appends every report to an existing context instead of
// creating one per install.
func WithContextID(id uint64) Option {
	return func(s *cxdbSink) {
		s.fixedContext = id
	}
}

// WithLabels sets the labels of contexts the sink creates.
func WithLabels(labels []string) Option {
	return func(s *cxdbSink) {
		s.labels = labels
	}
}

// WithClientTag sets the client tag of contexts the sink creates.
func WithClientTag(tag string) Option {
	return func(s *cxdbSink) {
		s.clientTag = tag
	}
}

type cxdbSink struct {
	client       CXDBClient
	fixedContext uint64
	labels       []string
	clientTag    string

	mu       sync.Mutex
	contexts map[string]uint64 // install ID -> context ID
}

// New creates a sink that writes to cxdb.
func New(client CXDBClient, opts ...Option) crashpad.Sink {
	s := &cxdbSink{
		client:    client,
		labels:    []string{"crash"},
		clientTag: "crashpad",
		contexts:  make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Write appends the report to its install's context. The report ID is the
// idempotency key, so mirroring the same report twice stores it once.
func (s *cxdbSink) Write(ctx context.Context, r crashpad.Report) error {
	contextID, created, err := s.contextFor(ctx, r.InstallID)
	if err != nil {
		return err
	}

	item, err := buildConversationItem(r)
	if err != nil {
		return err
	}
	// cxdb expects context metadata on the first turn.
	if created {
		item.ContextMetadata = &cxdtypes.ContextMetadata{
			Labels:    s.labels,
			ClientTag: s.clientTag,
		}
	}

	payload, err := cxdbclient.EncodeMsgpack(item)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req := &cxdbclient.AppendRequest{
		ContextID:      contextID,
		ParentTurnID:   0,
		TypeID:         cxdtypes.TypeIDConversationItem,
		TypeVersion:    cxdtypes.TypeVersionConversationItem,
		Payload:        payload,
		IdempotencyKey: r.ID,
	}
	if _, err := s.client.AppendTurn(ctx, req); err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// contextFor returns the context for an install, creating it on first use.
func (s *cxdbSink) contextFor(ctx context.Context, installID string) (uint64, bool, error) {
	if s.fixedContext != 0 {
		return s.fixedContext, false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.contexts[installID]; ok {
		return id, false, nil
	}
	head, err := s.client.CreateContext(ctx, 0)
	if err != nil {
		return 0, false, fmt.Errorf("create context: %w", err)
	}
	s.contexts[installID] = head.ContextID
	return head.ContextID, true, nil
}

// buildConversationItem renders a report as an error SystemMessage whose
// content is the report's wire document.
func buildConversationItem(r crashpad.Report) (*cxdtypes.ConversationItem, error) {
	doc, err := crashpad.MarshalWire(r)
	if err != nil {
		return nil, err
	}

	return &cxdtypes.ConversationItem{
		ItemType:  cxdtypes.ItemTypeSystem,
		Status:    cxdtypes.ItemStatusComplete,
		Timestamp: r.Timestamp.UnixMilli(),
		ID:        r.ID,
		System: &cxdtypes.SystemMessage{
			Kind:    cxdtypes.SystemKindError,
			Title:   title(r.Fault),
			Content: string(doc),
		},
	}, nil
}

// title is "type: reason", at most 100 bytes.
func title(f crashpad.Fault) string {
	t := f.Type
	if f.Reason != "" {
		const maxReasonLen = 80
		reason := f.Reason
		if len(reason) > maxReasonLen {
			reason = reason[:maxReasonLen] + "..."
		}
		t += ": " + reason
	}
	if len(t) > 100 {
		t = t[:97] + "..."
	}
	return t
}

// Flush is a no-op for the cxdb sink (writes are synchronous).
func (s *cxdbSink) Flush(context.Context) error {
	return nil
}

// Close is a no-op; the caller owns the client.
func (s *cxdbSink) Close() error {
	return nil
}
