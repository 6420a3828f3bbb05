// Package uploader implements the Synchronization Uploader: it walks
// a run's flushed graph files and ships them to the remote
// persister's synchronization job over plain JSON REST, handling
// batching, bounded concurrency, retry classification, and oversize
// batch shrinking.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/steprunner/pkg/metrics"
	"github.com/cuemby/steprunner/pkg/persist"
	"github.com/cuemby/steprunner/pkg/types"
)

const (
	defaultBatchSize     = 250
	defaultConcurrency   = 6
	maxRetryAttempts     = 5
	retryInitialInterval = 200 * time.Millisecond
	retryMultiplier      = 1.05
	maxRawDataBatchBytes = 6275072
)

// Config configures an Uploader.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     types.Logger
	Layout     *persist.Layout

	// Source identifies who initiated the synchronization, e.g.
	// "integration-managed".
	Source                string
	IntegrationInstanceID string
	Scope                 string

	Concurrency int
	BatchSize   int
}

// ErrSyncAPI wraps a non-retriable response from initiate, finalize,
// or abort. The run aborts and the staging directory is retained.
type ErrSyncAPI struct {
	Op      string
	Status  int
	Code    string
	Message string
}

func (e *ErrSyncAPI) Error() string {
	return fmt.Sprintf("uploader: %s request failed, status %d code %q: %s", e.Op, e.Status, e.Code, e.Message)
}

// ErrUploadFatal is JOB_NOT_AWAITING_UPLOADS: retries stop immediately
// and synchronization is aborted.
type ErrUploadFatal struct {
	Code    string
	Message string
}

func (e *ErrUploadFatal) Error() string {
	return fmt.Sprintf("uploader: upload rejected (%s): %s", e.Code, e.Message)
}

// Uploader drives one run's upload lifecycle: initiate, upload,
// finalize/abort.
type Uploader struct {
	cfg   Config
	jobID string
}

// New builds an Uploader. A nil HTTPClient gets a sane default timeout.
func New(cfg Config) *Uploader {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &Uploader{cfg: cfg}
}

// Run executes the full lifecycle against partialDatasets, the
// summary metadata finalize needs. On upload failure it aborts the
// sync job (if one was initiated) and returns the upload error.
func (u *Uploader) Run(ctx context.Context, partialDatasets types.PartialDatasetMetadata) error {
	if err := u.initiate(ctx); err != nil {
		return err
	}

	uploadErr := u.uploadAll(ctx)

	if drainer, ok := u.cfg.Logger.(interface{ Drain(context.Context) error }); ok {
		if err := drainer.Drain(ctx); err != nil {
			u.cfg.Logger.Warn("event queue did not drain before finalize", map[string]any{"error": err.Error()})
		}
	}

	if uploadErr != nil {
		if abortErr := u.abort(ctx, uploadErr.Error()); abortErr != nil {
			return errors.Join(uploadErr, abortErr)
		}
		return uploadErr
	}

	if ctx.Err() != nil {
		return u.abort(ctx, "run cancelled")
	}

	return u.finalize(ctx, partialDatasets)
}

func (u *Uploader) initiate(ctx context.Context) error {
	body := map[string]any{"source": u.cfg.Source}
	if u.cfg.IntegrationInstanceID != "" {
		body["integrationInstanceId"] = u.cfg.IntegrationInstanceID
	} else if u.cfg.Scope != "" {
		body["scope"] = u.cfg.Scope
	}

	status, data, err := u.doRequest(ctx, http.MethodPost, "/persister/synchronization/jobs", body)
	if err != nil {
		return fmt.Errorf("uploader: initiating synchronization job: %w", err)
	}
	if status < 200 || status >= 300 {
		code, msg := parseAPIError(data)
		return &ErrSyncAPI{Op: "initiate", Status: status, Code: code, Message: msg}
	}

	var parsed struct {
		JobID string `json:"jobId"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("uploader: decoding initiate response: %w", err)
	}
	u.jobID = parsed.JobID
	u.cfg.Logger.SynchronizationUploadStart(types.SyncJob{ID: u.jobID, IntegrationInstanceID: u.cfg.IntegrationInstanceID})
	return nil
}

func (u *Uploader) finalize(ctx context.Context, partialDatasets types.PartialDatasetMetadata) error {
	path := fmt.Sprintf("/persister/synchronization/jobs/%s/finalize", u.jobID)
	status, data, err := u.doRequest(ctx, http.MethodPost, path, map[string]any{"partialDatasets": partialDatasets})
	if err != nil {
		return fmt.Errorf("uploader: finalize request failed: %w", err)
	}
	if status < 200 || status >= 300 {
		code, msg := parseAPIError(data)
		return &ErrSyncAPI{Op: "finalize", Status: status, Code: code, Message: msg}
	}
	u.cfg.Logger.SynchronizationUploadEnd(types.SyncJob{ID: u.jobID, IntegrationInstanceID: u.cfg.IntegrationInstanceID})
	return nil
}

// abort is a no-op if the sync job was never successfully initiated.
func (u *Uploader) abort(ctx context.Context, reason string) error {
	if u.jobID == "" {
		return nil
	}
	path := fmt.Sprintf("/persister/synchronization/jobs/%s/abort", u.jobID)
	status, data, err := u.doRequest(ctx, http.MethodPost, path, map[string]any{"reason": reason})
	if err != nil {
		u.cfg.Logger.Error("abort request failed", map[string]any{"error": err.Error()})
		return fmt.Errorf("uploader: abort request failed: %w", err)
	}
	if status < 200 || status >= 300 {
		code, msg := parseAPIError(data)
		abortErr := &ErrSyncAPI{Op: "abort", Status: status, Code: code, Message: msg}
		u.cfg.Logger.Error("abort rejected by server", map[string]any{"error": abortErr.Error()})
		return abortErr
	}
	return nil
}

type batchJob struct {
	kind          string
	entities      []types.Entity
	relationships []types.Relationship
}

// uploadAll walks every flushed file, splits it into batches of at
// most BatchSize, and uploads them with Concurrency-way parallelism.
// Upload ordering within a type is not guaranteed.
func (u *Uploader) uploadAll(ctx context.Context) error {
	jobs, err := u.collectBatches()
	if err != nil {
		return fmt.Errorf("uploader: collecting flushed files: %w", err)
	}

	g := &errgroup.Group{}
	g.SetLimit(u.cfg.Concurrency)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			timer := metrics.NewTimer()
			defer timer.ObserveDuration(metrics.UploadBatchDuration)
			switch job.kind {
			case "entities":
				return u.uploadEntities(ctx, job.entities)
			case "relationships":
				return u.uploadRelationships(ctx, job.relationships)
			default:
				return nil
			}
		})
	}
	return g.Wait()
}

func (u *Uploader) collectBatches() ([]batchJob, error) {
	var jobs []batchJob
	err := u.cfg.Layout.WalkGraphFiles(func(gf persist.GraphFile) error {
		switch gf.Kind {
		case "entities":
			for _, chunk := range chunkSlice(gf.Content.Entities, u.cfg.BatchSize) {
				jobs = append(jobs, batchJob{kind: "entities", entities: chunk})
			}
		case "relationships":
			for _, chunk := range chunkSlice(gf.Content.Relationships, u.cfg.BatchSize) {
				jobs = append(jobs, batchJob{kind: "relationships", relationships: chunk})
			}
		}
		return nil
	})
	return jobs, err
}

func chunkSlice[T any](items []T, size int) [][]T {
	if len(items) == 0 {
		return nil
	}
	var out [][]T
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[i:end])
	}
	return out
}

func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.Multiplier = retryMultiplier
	b.RandomizationFactor = 0
	return b
}

// uploadEntities uploads one entity batch, classifying the server's
// response before deciding whether to retry. A 413 or
// RequestEntityTooLargeException shrinks the batch's raw data in
// place and retries. JOB_NOT_AWAITING_UPLOADS is fatal.
// CredentialsError retries silently. Anything else warns and retries
// while attempts remain.
func (u *Uploader) uploadEntities(ctx context.Context, batch []types.Entity) error {
	path := fmt.Sprintf("/persister/synchronization/jobs/%s/entities", u.jobID)
	b := newBackOff()

	attempt := func() (struct{}, error) {
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		status, data, err := u.doRequest(ctx, http.MethodPost, path, map[string]any{"entities": batch})
		if err != nil {
			return struct{}{}, fmt.Errorf("uploader: entity batch request: %w", err)
		}
		if status >= 200 && status < 300 {
			return struct{}{}, nil
		}

		code, msg := parseAPIError(data)
		switch {
		case status == http.StatusRequestEntityTooLarge || code == "RequestEntityTooLargeException":
			if shrinkErr := shrinkBatchToLimit(batch, maxRawDataBatchBytes); shrinkErr != nil {
				return struct{}{}, backoff.Permanent(shrinkErr)
			}
			metrics.UploadShrinkEventsTotal.Inc()
			return struct{}{}, fmt.Errorf("uploader: entity batch exceeded %d bytes, shrunk and retrying", maxRawDataBatchBytes)
		case code == "JOB_NOT_AWAITING_UPLOADS":
			return struct{}{}, backoff.Permanent(&ErrUploadFatal{Code: code, Message: msg})
		case code == "CredentialsError":
			return struct{}{}, fmt.Errorf("uploader: credentials error uploading entities, retrying")
		default:
			u.cfg.Logger.Warn("entity batch upload failed", map[string]any{"status": status, "code": code, "message": msg})
			return struct{}{}, fmt.Errorf("uploader: entity batch upload failed, status %d: %s", status, msg)
		}
	}

	_, err := backoff.Retry(ctx, attempt, backoff.WithBackOff(b), backoff.WithMaxTries(maxRetryAttempts))
	u.recordBatchOutcome(err)
	if err != nil {
		return err
	}
	metrics.UploadTypeCount.WithLabelValues(entityBatchType(batch), "entities").Add(float64(len(batch)))
	if size, sizeErr := serializedEntityBatchSize(batch); sizeErr == nil {
		metrics.UploadTypeBytes.WithLabelValues(entityBatchType(batch), "entities").Add(float64(size))
	}
	return nil
}

// uploadRelationships is the relationship-batch sibling of
// uploadEntities. Relationships carry no _rawData, so an oversize
// relationship batch can never be shrunk.
func (u *Uploader) uploadRelationships(ctx context.Context, batch []types.Relationship) error {
	path := fmt.Sprintf("/persister/synchronization/jobs/%s/relationships", u.jobID)
	b := newBackOff()

	attempt := func() (struct{}, error) {
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		status, data, err := u.doRequest(ctx, http.MethodPost, path, map[string]any{"relationships": batch})
		if err != nil {
			return struct{}{}, fmt.Errorf("uploader: relationship batch request: %w", err)
		}
		if status >= 200 && status < 300 {
			return struct{}{}, nil
		}

		code, msg := parseAPIError(data)
		switch {
		case status == http.StatusRequestEntityTooLarge || code == "RequestEntityTooLargeException":
			return struct{}{}, backoff.Permanent(&ErrCannotShrink{})
		case code == "JOB_NOT_AWAITING_UPLOADS":
			return struct{}{}, backoff.Permanent(&ErrUploadFatal{Code: code, Message: msg})
		case code == "CredentialsError":
			return struct{}{}, fmt.Errorf("uploader: credentials error uploading relationships, retrying")
		default:
			u.cfg.Logger.Warn("relationship batch upload failed", map[string]any{"status": status, "code": code, "message": msg})
			return struct{}{}, fmt.Errorf("uploader: relationship batch upload failed, status %d: %s", status, msg)
		}
	}

	_, err := backoff.Retry(ctx, attempt, backoff.WithBackOff(b), backoff.WithMaxTries(maxRetryAttempts))
	u.recordBatchOutcome(err)
	if err != nil {
		return err
	}
	metrics.UploadTypeCount.WithLabelValues(relationshipBatchType(batch), "relationships").Add(float64(len(batch)))
	if size, sizeErr := serializedRelationshipBatchSize(batch); sizeErr == nil {
		metrics.UploadTypeBytes.WithLabelValues(relationshipBatchType(batch), "relationships").Add(float64(size))
	}
	return nil
}

func (u *Uploader) recordBatchOutcome(err error) {
	if err != nil {
		metrics.UploadBatchesTotal.WithLabelValues("failure").Inc()
		return
	}
	metrics.UploadBatchesTotal.WithLabelValues("success").Inc()
}

func entityBatchType(batch []types.Entity) string {
	if len(batch) == 0 {
		return ""
	}
	return batch[0].Type
}

func relationshipBatchType(batch []types.Relationship) string {
	if len(batch) == 0 {
		return ""
	}
	return batch[0].Type
}

func (u *Uploader) doRequest(ctx context.Context, method, path string, body any) (status int, respBody []byte, err error) {
	var reqBody io.Reader
	if body != nil {
		data, merr := json.Marshal(body)
		if merr != nil {
			return 0, nil, fmt.Errorf("uploader: encoding request body: %w", merr)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.cfg.BaseURL+path, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("uploader: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.cfg.HTTPClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("uploader: reading response body: %w", err)
	}
	return resp.StatusCode, data, nil
}

func parseAPIError(data []byte) (code, message string) {
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", string(data)
	}
	return envelope.Error.Code, envelope.Error.Message
}
