package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/skein-chat/skein/pkg/protocol"
)

// Transport submits a send request to the server and returns the
// confirmed record. Implementations must honor the context deadline.
type Transport interface {
	Submit(ctx context.Context, req *protocol.SendRequest) (*protocol.Record, error)
}

// Sender runs the optimistic send pipeline: insert a pending record,
// register its correlation id, submit over the transport, and reconcile
// the outcome. The network call is the only operation that suspends.
type Sender struct {
	transport  Transport
	correlator *Correlator
	dispatcher *Dispatcher
	timeout    time.Duration
}

// NewSender creates a sender. timeout bounds each network submission;
// on expiry the record is marked failed, never silently dropped.
func NewSender(transport Transport, correlator *Correlator, dispatcher *Dispatcher, timeout time.Duration) *Sender {
	return &Sender{
		transport:  transport,
		correlator: correlator,
		dispatcher: dispatcher,
		timeout:    timeout,
	}
}

// Send submits a new message or reply. It returns the local id of the
// optimistic record; the record's status reflects the outcome
// (confirmed on success, failed with a retry payload otherwise).
func (s *Sender) Send(ctx context.Context, req *protocol.SendRequest) (int64, error) {
	req.CorrelationID = NewCorrelationID()
	if err := req.Validate(); err != nil {
		return 0, fmt.Errorf("invalid send request: %w", err)
	}

	ledger := s.dispatcher.Channels().Get(req.ConversationID)
	if req.ParentID != nil {
		if panel, ok := s.dispatcher.Threads().Peek(*req.ParentID); ok {
			ledger = panel
		}
	}

	localID := ledger.InsertPending(req)
	s.correlator.Register(req.CorrelationID, localID)

	return localID, s.submit(ctx, ledger, req)
}

// Retry resubmits a failed record from its stored payload under a
// freshly minted correlation id.
func (s *Sender) Retry(ctx context.Context, ledger *Ledger, localID int64) error {
	payload, err := ledger.PrepareRetry(localID, NewCorrelationID())
	if err != nil {
		return err
	}
	s.correlator.Register(payload.CorrelationID, localID)

	return s.submit(ctx, ledger, payload)
}

func (s *Sender) submit(ctx context.Context, ledger *Ledger, req *protocol.SendRequest) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	confirmed, err := s.transport.Submit(ctx, req)
	if err != nil {
		// Transient send failure: keep the record visible as failed
		// with its payload attached so the user can retry or remove.
		ledger.MarkFailed(req.CorrelationID, req)
		return fmt.Errorf("send failed: %w", err)
	}

	// The response and the broadcast race to resolve the pending
	// record; the dispatcher makes sure exactly one wins.
	s.dispatcher.ResolveConfirmed(*confirmed)
	return nil
}

// HTTPTransport submits send requests to the server's HTTP endpoint.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
}

// NewHTTPTransport creates a transport for the given server base URL.
func NewHTTPTransport(baseURL string) *HTTPTransport {
	return &HTTPTransport{
		baseURL: baseURL,
		client:  &http.Client{},
	}
}

// Submit implements Transport.
func (t *HTTPTransport) Submit(ctx context.Context, req *protocol.SendRequest) (*protocol.Record, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/api/send", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var sendResp protocol.SendResponse
	if err := json.NewDecoder(resp.Body).Decode(&sendResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &sendResp.Record, nil
}
