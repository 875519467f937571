// Package pipeline runs the five-stage extraction flow for one job: decode
// the upload into page images, extract tables from each page, validate each
// page's extraction, consolidate everything into a final table set, and
// persist the result. Stages two and three fan out across pages; a failure
// on one page is recorded against that page and never aborts the others.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/extractable/extractable/constants"
	"github.com/extractable/extractable/internal/common"
	"github.com/extractable/extractable/internal/decode"
	"github.com/extractable/extractable/internal/entity"
	"github.com/extractable/extractable/internal/events"
	"github.com/extractable/extractable/internal/llm"
	"github.com/extractable/extractable/internal/metrics"
	"github.com/extractable/extractable/internal/repository"
)

// Timing metric keys; stored with the job and echoed on the final event.
const (
	metricFileProcessing = "step_1_file_processing"
	metricExtraction     = "step_2_extraction"
	metricValidation     = "step_3_validation"
	metricFinalization   = "step_4_finalization"
	metricStorage        = "step_5_storage"
	metricTotal          = "total_time"
)

const (
	defaultConcurrency = 3
	rawResponseCap     = 2000
)

// Decoder turns an uploaded file into ordered page images.
type Decoder interface {
	Decode(ctx context.Context, data []byte, kind constants.InputKind) ([][]byte, error)
}

var _ Decoder = (*decode.Decoder)(nil)

type Pipeline struct {
	decoder     Decoder
	gen         llm.Generator
	store       repository.Store
	events      *events.Broadcaster
	metrics     *metrics.Metrics
	log         *slog.Logger
	concurrency int
}

type Option func(*Pipeline)

// WithConcurrency caps how many pages are extracted or validated at once.
func WithConcurrency(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

func New(decoder Decoder, gen llm.Generator, store repository.Store, bc *events.Broadcaster, m *metrics.Metrics, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		decoder:     decoder,
		gen:         gen,
		store:       store,
		events:      bc,
		metrics:     m,
		log:         logger,
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes all five stages for the job and persists the result. The
// input bytes are not retained past the decode stage. A returned error means
// the job failed before producing a result; per-page model failures are
// folded into the result instead.
func (p *Pipeline) Run(ctx context.Context, job *entity.Extraction, input []byte) error {
	start := time.Now()
	timings := map[string]float64{
		metricFileProcessing: 0,
		metricExtraction:     0,
		metricValidation:     0,
		metricFinalization:   0,
		metricStorage:        0,
		metricTotal:          0,
	}
	log := p.log.With("job_id", job.ID, "user_id", job.UserID)
	log.Info("pipeline.start", "input_type", job.InputKind, "priority", job.Priority)

	// Stage 1: decode the upload into page images.
	stageStart := time.Now()
	images, err := p.decoder.Decode(ctx, input, job.InputKind)
	p.record(metricFileProcessing, timings, stageStart)
	if err != nil {
		return fmt.Errorf("file processing: %w", err)
	}
	input = nil
	p.step(job.ID, 1, fmt.Sprintf("Processed file into %d image(s)", len(images)), timings[metricFileProcessing])
	log.Info("pipeline.decoded", "pages", len(images))

	// Stage 2: extract tables from each page.
	stageStart = time.Now()
	extractions, err := p.extractAll(ctx, job, images)
	p.record(metricExtraction, timings, stageStart)
	if err != nil {
		return fmt.Errorf("extraction: %w", err)
	}
	p.step(job.ID, 2, fmt.Sprintf("Extracted tables from %d image(s)", len(images)), timings[metricExtraction])

	// Stage 3: validate each page's extraction.
	stageStart = time.Now()
	validations, err := p.validateAll(ctx, job, images, extractions)
	p.record(metricValidation, timings, stageStart)
	if err != nil {
		return fmt.Errorf("validation: %w", err)
	}
	p.step(job.ID, 3, "Validated extraction results", timings[metricValidation])
	images = nil

	// Stage 4: consolidate into the final table set.
	stageStart = time.Now()
	tableData, finalResp, err := p.finalize(ctx, job, extractions, validations)
	p.record(metricFinalization, timings, stageStart)
	if err != nil {
		return fmt.Errorf("finalization: %w", err)
	}
	p.step(job.ID, 4, "Generated final consolidated table", timings[metricFinalization])

	// Stage 5: persist, then rewrite the stored final output once the
	// storage duration itself is known so the persisted metrics cover all
	// five stages. A storage failure is logged and the job still finishes;
	// the reaper reconciles the stale row later.
	stageStart = time.Now()
	timings[metricTotal] = time.Since(start).Seconds()
	res, err := p.buildResult(tableData, finalResp, extractions, validations, timings)
	if err != nil {
		return fmt.Errorf("finalization: %w", err)
	}
	storeErr := p.store.StoreResult(ctx, job.ID, res)
	p.record(metricStorage, timings, stageStart)
	timings[metricTotal] = time.Since(start).Seconds()
	if storeErr != nil {
		log.Error("pipeline.store_failed", "error", storeErr)
	} else if finJSON, ferr := encodeFinalOutput(finalResp, timings); ferr == nil {
		res.FinalOutput = finJSON
		if serr := p.store.StoreResult(ctx, job.ID, res); serr != nil {
			log.Error("pipeline.store_metrics_failed", "error", serr)
		}
	}
	p.step(job.ID, 5, "Stored extraction results", timings[metricStorage])

	if p.events != nil {
		ev := events.StatusUpdate(job.ID, constants.JobStatusCompleted, "Extraction completed")
		ev.TimingMetrics = timings
		ev.TimeElapsed = timings[metricTotal]
		p.events.Broadcast(job.ID, ev)
	}
	log.Info("pipeline.done", "total_seconds", timings[metricTotal], "pages", len(extractions))
	return nil
}

// extractAll fans stage 2 out across pages. Result order matches page order
// regardless of completion order, and a page's failure becomes an error
// entry at its index.
func (p *Pipeline) extractAll(ctx context.Context, job *entity.Extraction, images [][]byte) ([]map[string]any, error) {
	results := make([]map[string]any, len(images))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	prompt := llm.BuildExtractionPrompt(job.ColumnsRequested, job.MultipleTables)
	for i := range images {
		g.Go(func() error {
			resp, err := p.gen.Generate(gctx, llm.Request{
				UserID:     job.UserID,
				Prompt:     prompt,
				Images:     [][]byte{images[i]},
				Complexity: job.Complexity,
			})
			if err != nil {
				if isFatal(err) {
					return err
				}
				p.countLLM("error")
				p.log.Warn("pipeline.extract_failed", "job_id", job.ID, "image_index", i, "error", err)
				results[i] = map[string]any{"image_index": i, "error": err.Error()}
				return nil
			}
			p.countLLM("success")
			parsed, perr := llm.ParseJSON(resp.Text)
			if perr != nil {
				p.log.Warn("pipeline.extract_unparseable", "job_id", job.ID, "image_index", i)
				results[i] = map[string]any{"image_index": i, "error": perr.Error()}
				return nil
			}
			parsed["image_index"] = i
			results[i] = parsed
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// validateAll fans stage 3 out across pages. Each validation sees only the
// previous and current page images, keeping the request bounded for long
// documents.
func (p *Pipeline) validateAll(ctx context.Context, job *entity.Extraction, images [][]byte, extractions []map[string]any) ([]map[string]any, error) {
	results := make([]map[string]any, len(images))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for i := range images {
		g.Go(func() error {
			window := images[max(0, i-1) : i+1]
			resp, err := p.gen.Generate(gctx, llm.Request{
				UserID:     job.UserID,
				Prompt:     llm.BuildValidationPrompt(extractions[i], i, len(images)),
				Images:     window,
				Complexity: job.Complexity,
			})
			if err != nil {
				if isFatal(err) {
					return err
				}
				p.countLLM("error")
				p.log.Warn("pipeline.validate_failed", "job_id", job.ID, "image_index", i, "error", err)
				results[i] = map[string]any{"image_index": i, "error": err.Error()}
				return nil
			}
			p.countLLM("success")
			parsed, perr := llm.ParseJSON(resp.Text)
			if perr != nil {
				results[i] = map[string]any{"image_index": i, "error": perr.Error()}
				return nil
			}
			parsed["image_index"] = i
			results[i] = parsed
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// finalize asks the model to consolidate all page extractions and validation
// findings. An unparseable response degrades to an error marker carrying a
// truncated excerpt of the raw text; the job still completes.
func (p *Pipeline) finalize(ctx context.Context, job *entity.Extraction, extractions, validations []map[string]any) (entity.TableData, llm.Response, error) {
	resp, err := p.gen.Generate(ctx, llm.Request{
		UserID:     job.UserID,
		Prompt:     llm.BuildFinalizationPrompt(extractions, validations, job.MultipleTables),
		Complexity: job.Complexity,
	})
	if err != nil {
		p.countLLM("error")
		return entity.TableData{}, llm.Response{}, err
	}
	p.countLLM("success")

	parsed, perr := llm.ParseJSON(resp.Text)
	if perr != nil {
		p.log.Warn("pipeline.finalize_unparseable", "job_id", job.ID)
		return entity.TableData{
			Error:       "failed to parse final output",
			RawResponse: truncate(resp.Text, rawResponseCap),
		}, resp, nil
	}

	canonical, err := json.Marshal(parsed)
	if err != nil {
		return entity.TableData{}, resp, fmt.Errorf("encode final output: %w", err)
	}
	if verr := llm.ValidateJSONAgainstSchema(llm.BuildTableJSONSchema(), canonical); verr != nil {
		p.log.Warn("pipeline.finalize_schema_mismatch", "job_id", job.ID, "error", verr)
	}

	var td entity.TableData
	if err := json.Unmarshal(canonical, &td); err != nil {
		return entity.TableData{
			Error:       "final output did not match the table shape",
			RawResponse: truncate(resp.Text, rawResponseCap),
		}, resp, nil
	}
	return td, resp, nil
}

func (p *Pipeline) buildResult(td entity.TableData, finalResp llm.Response, extractions, validations []map[string]any, timings map[string]float64) (repository.Result, error) {
	tableJSON, err := json.Marshal(td)
	if err != nil {
		return repository.Result{}, fmt.Errorf("encode table data: %w", err)
	}
	extJSON, err := json.Marshal(extractions)
	if err != nil {
		return repository.Result{}, fmt.Errorf("encode extractions: %w", err)
	}
	valJSON, err := json.Marshal(validations)
	if err != nil {
		return repository.Result{}, fmt.Errorf("encode validations: %w", err)
	}
	finJSON, err := encodeFinalOutput(finalResp, timings)
	if err != nil {
		return repository.Result{}, err
	}
	return repository.Result{
		TableData:        tableJSON,
		ExtractionOutput: extJSON,
		ValidationOutput: valJSON,
		FinalOutput:      finJSON,
	}, nil
}

func encodeFinalOutput(finalResp llm.Response, timings map[string]float64) (json.RawMessage, error) {
	finJSON, err := json.Marshal(entity.FinalOutput{
		Text:          truncate(finalResp.Text, rawResponseCap),
		TimingMetrics: timings,
	})
	if err != nil {
		return nil, fmt.Errorf("encode final output: %w", err)
	}
	return finJSON, nil
}

func (p *Pipeline) record(key string, timings map[string]float64, start time.Time) {
	timings[key] = time.Since(start).Seconds()
	if p.metrics != nil {
		p.metrics.StageDuration.WithLabelValues(key).Observe(timings[key])
	}
}

func (p *Pipeline) step(jobID uuid.UUID, step int, message string, elapsed float64) {
	if p.events != nil {
		p.events.Broadcast(jobID, events.StepUpdate(jobID, step, message, elapsed))
	}
}

func (p *Pipeline) countLLM(outcome string) {
	if p.metrics != nil {
		p.metrics.LLMRequests.WithLabelValues(outcome).Inc()
	}
}

// isFatal reports whether the error should abort the whole job rather than
// be isolated to one page. Context cancellation and per-user rate limiting
// qualify; provider hiccups do not.
func isFatal(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, common.ErrRateLimited)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
