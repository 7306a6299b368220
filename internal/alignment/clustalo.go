// Package alignment submits multiple sequence alignments to the EBI Clustal
// Omega REST service.
package alignment

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
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

	"github.com/barcode-identifier/barrel/internal/domain/run"
	"github.com/barcode-identifier/barrel/internal/fasta"
)

// DefaultBaseURL is the Clustal Omega service of EMBL-EBI Job Dispatcher.
const DefaultBaseURL = "https://www.ebi.ac.uk/Tools/services/rest/clustalo"

// Result types.
const (
	ResultAlignment = "aln-clustal_num"
	ResultTree      = "phylotree"
)

// Status of a remote job.
type Status string

const (
	StatusRunning  Status = "RUNNING"
	StatusFinished Status = "FINISHED"
	StatusError    Status = "ERROR"
	StatusFailure  Status = "FAILURE"
	StatusNotFound Status = "NOT_FOUND"
	StatusQueued   Status = "QUEUED"
)

// Failed reports whether the job will never finish.
func (s Status) Failed() bool {
	return s == StatusError || s == StatusFailure || s == StatusNotFound
}

// JobError reports a job that ended without a result.
type JobError struct {
	JobID  string
	Status Status
}

func (e *JobError) Error() string {
	return fmt.Sprintf("alignment job %s ended with status %s", e.JobID, e.Status)
}

var errPending = errors.New("alignment job pending")

// Config configures the client.
type Config struct {
	BaseURL      string
	Email        string
	PollInterval time.Duration
	Timeout      time.Duration
}

// Client is an EBI Clustal Omega client. It implements run.Aligner.
type Client struct {
	cfg    Config
	http   *http.Client
	tracer trace.Tracer
}

var _ run.Aligner = (*Client)(nil)

// NewClient creates a Client.
func NewClient(cfg Config, httpClient *http.Client, tp trace.TracerProvider) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: time.Minute}
	}
	return &Client{cfg: cfg, http: httpClient, tracer: tp.Tracer("barrel/alignment")}
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "send request")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("%s %s: status %d: %s",
			req.Method, req.URL.Path, resp.StatusCode, bytes.TrimSpace(body))
	}
	return body, nil
}

// Submit starts an alignment of the FASTA text and returns the job id.
func (c *Client) Submit(ctx context.Context, sequences string) (string, error) {
	form := url.Values{
		"email":        {c.cfg.Email},
		"sequence":     {sequences},
		"stype":        {"dna"},
		"outfmt":       {"clustal_num"},
		"guidetreeout": {"true"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/run", strings.NewReader(form.Encode()))
	if err != nil {
		return "", errors.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "text/plain")
	body, err := c.do(req)
	if err != nil {
		return "", errors.Wrap(err, "submit alignment")
	}
	id := strings.TrimSpace(string(body))
	if id == "" {
		return "", errors.New("submit alignment: empty job id")
	}
	return id, nil
}

// Status returns the state of a job.
func (c *Client) Status(ctx context.Context, jobID string) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/status/"+url.PathEscape(jobID), http.NoBody)
	if err != nil {
		return "", errors.Wrap(err, "create request")
	}
	req.Header.Set("Accept", "application/json")
	body, err := c.do(req)
	if err != nil {
		return "", errors.Wrap(err, "job status")
	}
	return decodeStatus(body)
}

// decodeStatus accepts both the JSON and the plain text status response.
func decodeStatus(body []byte) (Status, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return Status(body), nil
	}
	var s Status
	err := jx.DecodeBytes(body).Obj(func(d *jx.Decoder, key string) error {
		if key != "status" {
			return d.Skip()
		}
		v, err := d.Str()
		s = Status(v)
		return err
	})
	if err != nil {
		return "", errors.Wrap(err, "decode status")
	}
	return s, nil
}

// Result downloads one result type of a finished job.
func (c *Client) Result(ctx context.Context, jobID, resultType string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.BaseURL+"/result/"+url.PathEscape(jobID)+"/"+resultType, http.NoBody)
	if err != nil {
		return "", errors.Wrap(err, "create request")
	}
	req.Header.Set("Accept", "text/plain")
	body, err := c.do(req)
	if err != nil {
		return "", errors.Wrapf(err, "result %s", resultType)
	}
	return string(body), nil
}

// Wait polls until the job finishes, fails or the configured timeout passes.
func (c *Client) Wait(ctx context.Context, jobID string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.PollInterval
	b.MaxInterval = 6 * c.cfg.PollInterval
	b.MaxElapsedTime = c.cfg.Timeout

	lg := zctx.From(ctx)
	op := func() error {
		s, err := c.Status(ctx, jobID)
		if err != nil {
			// Status lookups are retried like a pending job.
			lg.Warn("Alignment status failed", zap.String("job_id", jobID), zap.Error(err))
			return err
		}
		switch {
		case s == StatusFinished:
			return nil
		case s.Failed():
			return backoff.Permanent(&JobError{JobID: jobID, Status: s})
		default:
			return errPending
		}
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		if errors.Is(err, errPending) {
			return errors.Errorf("alignment job %s did not finish within %s", jobID, c.cfg.Timeout)
		}
		return err
	}
	return nil
}

// Align submits records, waits for the job and returns the parsed alignment
// with its guide tree.
func (c *Client) Align(ctx context.Context, records []fasta.Record) (_ *run.Alignment, rerr error) {
	ctx, span := c.tracer.Start(ctx, "alignment.Align", trace.WithAttributes(
		attribute.Int("alignment.sequences", len(records)),
	))
	defer func() {
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		span.End()
	}()

	var in strings.Builder
	if err := fasta.Write(&in, records); err != nil {
		return nil, err
	}
	jobID, err := c.Submit(ctx, in.String())
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("alignment.job_id", jobID))
	zctx.From(ctx).Info("Alignment submitted", zap.String("job_id", jobID), zap.Int("sequences", len(records)))

	if err := c.Wait(ctx, jobID); err != nil {
		return nil, err
	}
	aln, err := c.Result(ctx, jobID, ResultAlignment)
	if err != nil {
		return nil, err
	}
	tree, err := c.Result(ctx, jobID, ResultTree)
	if err != nil {
		return nil, err
	}
	names, seqs, err := ParseClustal(strings.NewReader(aln))
	if err != nil {
		return nil, err
	}
	return &run.Alignment{
		JobID:     jobID,
		Names:     names,
		Sequences: seqs,
		Tree:      strings.TrimSpace(tree),
	}, nil
}
