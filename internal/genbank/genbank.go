// Package genbank retrieves nucleotide records and taxonomy from NCBI
// E-utilities.
package genbank

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/barcode-identifier/barrel/internal/domain/library"
	"github.com/barcode-identifier/barrel/internal/domain/sequence"
)

// Defaults matching NCBI usage policy for clients without an API key.
const (
	DefaultBaseURL       = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"
	DefaultBatchSize     = 300
	DefaultMaxAccessions = 1500
)

// ErrNoInput is returned when neither accessions nor a search term is given.
var ErrNoInput = errors.New("no accessions or search term to query")

// AccessionLimitExceededError is returned when more records are requested
// than allowed in one operation.
type AccessionLimitExceededError struct {
	Count int
	Max   int
}

func (e *AccessionLimitExceededError) Error() string {
	return fmt.Sprintf("%d accessions requested, at most %d allowed", e.Count, e.Max)
}

// InsufficientAccessionDataError is returned when GenBank has no record for
// some requested accessions.
type InsufficientAccessionDataError struct {
	Missing []string
	Term    string
}

func (e *InsufficientAccessionDataError) Error() string {
	if e.Term != "" {
		return fmt.Sprintf("no GenBank data for search term %q", e.Term)
	}
	return fmt.Sprintf("no GenBank data for accessions: %s", strings.Join(e.Missing, ", "))
}

// ConnectionError is returned when NCBI could not be reached or failed.
type ConnectionError struct {
	Database   string
	Accessions []string
	Term       string
	Err        error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("NCBI %s request failed: %v", e.Database, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Config configures the E-utilities client.
type Config struct {
	BaseURL           string
	Email             string
	Tool              string
	APIKey            string
	RequestsPerSecond float64
	BatchSize         int
	MaxAccessions     int
	// Retries is the number of extra attempts after a transient failure.
	Retries int
}

// Client talks to NCBI E-utilities. It implements library.Fetcher.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	tracer  trace.Tracer
}

var _ library.Fetcher = (*Client)(nil)

// NewClient creates a rate limited E-utilities client.
func NewClient(cfg Config, httpClient *http.Client, tp trace.TracerProvider) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Tool == "" {
		cfg.Tool = "barrel"
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxAccessions <= 0 {
		cfg.MaxAccessions = DefaultMaxAccessions
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Client{
		cfg:     cfg,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		tracer:  tp.Tracer("barrel/genbank"),
	}
}

type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

// call sends a rate limited POST to an E-utility and returns the body.
// Transient failures are retried with exponential backoff.
func (c *Client) call(ctx context.Context, utility string, params url.Values) ([]byte, error) {
	params.Set("tool", c.cfg.Tool)
	if c.cfg.Email != "" {
		params.Set("email", c.cfg.Email)
	}
	if c.cfg.APIKey != "" {
		params.Set("api_key", c.cfg.APIKey)
	}
	endpoint := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/" + utility + ".fcgi"
	form := params.Encode()

	var body []byte
	op := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			serr := &statusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(b))}
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return serr
			}
			return backoff.Permanent(serr)
		}
		body = b
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	var policy backoff.BackOff = backoff.WithMaxRetries(b, uint64(max(c.cfg.Retries, 0)))
	notify := func(err error, d time.Duration) {
		zctx.From(ctx).Warn("NCBI request failed, retrying",
			zap.String("utility", utility),
			zap.Duration("backoff", d),
			zap.Error(err),
		)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify); err != nil {
		return nil, err
	}
	return body, nil
}

type searchResult struct {
	Count    int
	WebEnv   string
	QueryKey string
}

func decodeSearch(body []byte) (searchResult, error) {
	var (
		res    searchResult
		errMsg string
	)
	d := jx.DecodeBytes(body)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		if key != "esearchresult" {
			return d.Skip()
		}
		return d.Obj(func(d *jx.Decoder, key string) error {
			var err error
			switch key {
			case "count":
				var s string
				if s, err = d.Str(); err == nil {
					res.Count, err = strconv.Atoi(s)
				}
			case "webenv":
				res.WebEnv, err = d.Str()
			case "querykey":
				res.QueryKey, err = d.Str()
			case "ERROR":
				errMsg, err = d.Str()
			default:
				err = d.Skip()
			}
			return err
		})
	})
	if err != nil {
		return res, errors.Wrap(err, "decode esearch")
	}
	if errMsg != "" {
		return res, errors.New(errMsg)
	}
	return res, nil
}

func (c *Client) search(ctx context.Context, term string) (searchResult, error) {
	body, err := c.call(ctx, "esearch", url.Values{
		"db":         {"nucleotide"},
		"term":       {term},
		"retmax":     {"20"},
		"usehistory": {"y"},
		"retmode":    {"json"},
	})
	if err != nil {
		return searchResult{}, &ConnectionError{Database: "nucleotide", Term: term, Err: err}
	}
	res, err := decodeSearch(body)
	if err != nil {
		return searchResult{}, &ConnectionError{Database: "nucleotide", Term: term, Err: err}
	}
	return res, nil
}

func (c *Client) efetch(ctx context.Context, params url.Values, accessions []string, term string) ([]sequence.Sequence, error) {
	params.Set("db", "nucleotide")
	params.Set("rettype", "gb")
	params.Set("retmode", "text")
	body, err := c.call(ctx, "efetch", params)
	if err != nil {
		var serr *statusError
		if errors.As(err, &serr) && serr.Code == http.StatusBadRequest {
			return nil, &InsufficientAccessionDataError{Missing: accessions, Term: term}
		}
		return nil, &ConnectionError{Database: "nucleotide", Accessions: accessions, Term: term, Err: err}
	}
	seqs, err := Parse(bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "parse genbank records")
	}
	return seqs, nil
}

// Fetch retrieves the records of a search term and a list of accessions.
// Search results come first, then accession batches in request order.
func (c *Client) Fetch(ctx context.Context, req library.FetchRequest) (_ []sequence.Sequence, rerr error) {
	term := strings.TrimSpace(req.Term)
	accessions := dedupe(req.Accessions)

	ctx, span := c.tracer.Start(ctx, "genbank.Fetch", trace.WithAttributes(
		attribute.Int("genbank.accessions", len(accessions)),
		attribute.String("genbank.term", term),
	))
	defer func() {
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		span.End()
	}()

	if len(accessions) == 0 && term == "" {
		return nil, ErrNoInput
	}
	if len(accessions) > c.cfg.MaxAccessions {
		return nil, &AccessionLimitExceededError{Count: len(accessions), Max: c.cfg.MaxAccessions}
	}

	lg := zctx.From(ctx)
	var out []sequence.Sequence
	if term != "" {
		res, err := c.search(ctx, term)
		if err != nil {
			return nil, err
		}
		lg.Info("GenBank search complete", zap.String("term", term), zap.Int("count", res.Count))
		if res.Count > c.cfg.MaxAccessions {
			return nil, &AccessionLimitExceededError{Count: res.Count, Max: c.cfg.MaxAccessions}
		}
		for start := 0; start < res.Count; start += c.cfg.BatchSize {
			seqs, err := c.efetch(ctx, url.Values{
				"WebEnv":    {res.WebEnv},
				"query_key": {res.QueryKey},
				"retstart":  {strconv.Itoa(start)},
				"retmax":    {strconv.Itoa(c.cfg.BatchSize)},
			}, nil, term)
			if err != nil {
				return nil, err
			}
			out = append(out, seqs...)
		}
	}

	for start := 0; start < len(accessions); start += c.cfg.BatchSize {
		batch := accessions[start:min(start+c.cfg.BatchSize, len(accessions))]
		seqs, err := c.efetch(ctx, url.Values{"id": {strings.Join(batch, ",")}}, batch, "")
		if err != nil {
			return nil, err
		}
		if req.RaiseIfMissing {
			if missing := missingAccessions(batch, seqs); len(missing) > 0 {
				return nil, &InsufficientAccessionDataError{Missing: missing}
			}
		}
		lg.Debug("GenBank batch fetched", zap.Int("requested", len(batch)), zap.Int("received", len(seqs)))
		out = append(out, seqs...)
	}
	return out, nil
}

func dedupe(accessions []string) []string {
	seen := make(map[string]struct{}, len(accessions))
	out := make([]string, 0, len(accessions))
	for _, a := range accessions {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

// missingAccessions returns requested accessions matched by neither the
// accession number nor the accession version of any record.
func missingAccessions(requested []string, seqs []sequence.Sequence) []string {
	got := make(map[string]struct{}, 2*len(seqs))
	for i := range seqs {
		got[seqs[i].AccessionNumber] = struct{}{}
		got[seqs[i].Version] = struct{}{}
	}
	var missing []string
	for _, a := range requested {
		if _, ok := got[a]; !ok {
			missing = append(missing, a)
		}
	}
	return missing
}
