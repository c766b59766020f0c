// Package flex implements the Flex Queries web service: batch XML reports
// requested by query id and fetched once generation completes. Flex
// authenticates with its own token, not the OAuth session.
package flex

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tathienbao/ibkr-portal/internal/metrics"
)

const (
	pathSendRequest  = "/FlexStatementService.SendRequest"
	pathGetStatement = "/FlexStatementService.GetStatement"
)

// ErrStatementPending is returned while the server is still generating the
// statement; retry after a delay.
var ErrStatementPending = errors.New("flex statement not yet ready")

// Error codes the server uses for a statement still being generated.
var pendingErrorCodes = map[int]bool{
	1018: true,
	1019: true,
}

// Config holds Flex service configuration.
type Config struct {
	BaseURL         string
	Token           string
	Version         int
	Timeout         time.Duration
	PollInterval    time.Duration
	MaxPollAttempts int
}

// DefaultConfig returns default Flex configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:         "https://gdcdyn.interactivebrokers.com/Universal/servlet",
		Version:         3,
		Timeout:         60 * time.Second,
		PollInterval:    5 * time.Second,
		MaxPollAttempts: 12,
	}
}

// Statement is a fetched Flex report: the parsed envelope attributes plus
// the raw XML payload.
type Statement struct {
	QueryName string
	Type      string
	Raw       []byte
}

// statementResponse is the service's control envelope, returned for request
// acknowledgements and errors alike.
type statementResponse struct {
	XMLName       xml.Name `xml:"FlexStatementResponse"`
	Status        string   `xml:"Status"`
	ReferenceCode string   `xml:"ReferenceCode"`
	URL           string   `xml:"Url"`
	ErrorCode     int      `xml:"ErrorCode"`
	ErrorMessage  string   `xml:"ErrorMessage"`
}

// queryResponse carries only the statement envelope attributes; the payload
// stays raw.
type queryResponse struct {
	XMLName   xml.Name `xml:"FlexQueryResponse"`
	QueryName string   `xml:"queryName,attr"`
	Type      string   `xml:"type,attr"`
}

// Service talks to the Flex web service and archives fetched statements.
type Service struct {
	cfg     Config
	http    *http.Client
	logger  *slog.Logger
	metrics *metrics.Recorder
	store   *Store
}

// NewService creates a Flex service. store may be nil to disable archiving.
func NewService(cfg Config, store *Store, recorder *metrics.Recorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.NewRecorder()
	}
	return &Service{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
		metrics: recorder,
		store:   store,
	}
}

// SendRequest asks the server to generate the statement for queryID and
// returns the reference code to fetch it with.
func (s *Service) SendRequest(ctx context.Context, queryID string) (string, error) {
	body, err := s.get(ctx, pathSendRequest, queryID)
	if err != nil {
		return "", err
	}

	var resp statementResponse
	if err := xml.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("parse send response: %w", err)
	}
	if resp.Status != "Success" {
		return "", fmt.Errorf("flex request rejected: %s (code %d)", resp.ErrorMessage, resp.ErrorCode)
	}
	if resp.ReferenceCode == "" {
		return "", fmt.Errorf("flex response missing reference code")
	}

	s.logger.Debug("flex statement requested",
		"query_id", queryID,
		"reference_code", resp.ReferenceCode,
	)
	return resp.ReferenceCode, nil
}

// GetStatement fetches a generated statement by reference code. Returns
// ErrStatementPending while generation is still running. Fetched statements
// are archived when a store is configured.
func (s *Service) GetStatement(ctx context.Context, referenceCode, queryID string) (*Statement, error) {
	body, err := s.get(ctx, pathGetStatement, referenceCode)
	if err != nil {
		return nil, err
	}

	// A control envelope here means an error or a not-ready statement.
	if isControlEnvelope(body) {
		var resp statementResponse
		if err := xml.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("parse statement response: %w", err)
		}
		if pendingErrorCodes[resp.ErrorCode] {
			s.metrics.RecordFlexStatement("pending")
			return nil, fmt.Errorf("%w: %s", ErrStatementPending, resp.ErrorMessage)
		}
		s.metrics.RecordFlexStatement("error")
		return nil, fmt.Errorf("flex statement failed: %s (code %d)", resp.ErrorMessage, resp.ErrorCode)
	}

	var envelope queryResponse
	if err := xml.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("parse statement: %w", err)
	}

	stmt := &Statement{
		QueryName: envelope.QueryName,
		Type:      envelope.Type,
		Raw:       body,
	}
	s.metrics.RecordFlexStatement("success")

	if s.store != nil {
		rec := StatementRecord{
			ReferenceCode: referenceCode,
			QueryID:       queryID,
			QueryName:     stmt.QueryName,
			FetchedAt:     time.Now(),
			Payload:       body,
		}
		if err := s.store.SaveStatement(ctx, rec); err != nil {
			s.logger.Warn("failed to archive flex statement", "err", err)
		}
	}

	return stmt, nil
}

// Fetch requests a statement and polls until it is ready or attempts run out.
func (s *Service) Fetch(ctx context.Context, queryID string) (*Statement, error) {
	referenceCode, err := s.SendRequest(ctx, queryID)
	if err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= s.cfg.MaxPollAttempts; attempt++ {
		stmt, err := s.GetStatement(ctx, referenceCode, queryID)
		if err == nil {
			return stmt, nil
		}
		if !errors.Is(err, ErrStatementPending) {
			return nil, err
		}

		s.logger.Debug("flex statement pending",
			"query_id", queryID,
			"attempt", attempt,
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}
	}

	return nil, fmt.Errorf("flex statement not ready after %d attempts", s.cfg.MaxPollAttempts)
}

// get issues one Flex GET with the token, query value and version applied.
func (s *Service) get(ctx context.Context, path, q string) ([]byte, error) {
	params := url.Values{}
	params.Set("t", s.cfg.Token)
	params.Set("q", q)
	params.Set("v", strconv.Itoa(s.cfg.Version))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BaseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("flex service returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// isControlEnvelope reports whether the body is a FlexStatementResponse
// rather than an actual statement.
func isControlEnvelope(body []byte) bool {
	doc := strings.TrimSpace(string(body))
	if i := strings.Index(doc, "?>"); i >= 0 {
		doc = strings.TrimSpace(doc[i+2:])
	}
	return strings.HasPrefix(doc, "<FlexStatementResponse")
}
