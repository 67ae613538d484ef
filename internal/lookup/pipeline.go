package lookup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"phatnguoi-service/internal/captcha"
	"phatnguoi-service/internal/csgt"
	"phatnguoi-service/internal/domain/violation"
	"phatnguoi-service/internal/telemetry"
	"phatnguoi-service/internal/utils"
)

const (
	// DefaultMaxRetries bounds a lookup to maxRetries+1 attempts.
	DefaultMaxRetries = 5
	// DefaultBaseDelay is the linear backoff unit between attempts.
	DefaultBaseDelay = 2 * time.Second
)

// SessionClient is the per-invocation stateful site session (4.1).
type SessionClient interface {
	InitSession(ctx context.Context) error
	FetchCaptcha(ctx context.Context) (image []byte, contentType string, err error)
	ValidateCaptcha(ctx context.Context, plate, vehicleType, captchaText string) (redirectURL string, err error)
	FetchResult(ctx context.Context, redirectURL string) (html string, err error)
}

// ClientFactory yields a fresh session client (fresh cookie jar) for
// each pipeline invocation. Sessions are never shared across lookups.
type ClientFactory func() SessionClient

// Solver converts a captcha image into text (4.2).
type Solver interface {
	Solve(ctx context.Context, image []byte, contentType string) (captcha.Result, error)
}

// Options is the caller's lookup request. The pipeline never mutates
// it; each retry builds its own attempt state.
type Options struct {
	Plate       string
	VehicleType string
	// CaptchaText, when set, is a manually solved captcha used on the
	// first attempt only. Retries always re-solve fresh.
	CaptchaText string
}

// Pipeline sequences session → captcha → solve → validate → fetch →
// parse into one lookup attempt and drives the bounded retry loop with
// forced captcha refresh between attempts.
type Pipeline struct {
	newClient  ClientFactory
	solver     Solver
	maxRetries int
	baseDelay  time.Duration
	log        zerolog.Logger

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewPipeline(factory ClientFactory, solver Solver, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		newClient:  factory,
		solver:     solver,
		maxRetries: DefaultMaxRetries,
		baseDelay:  DefaultBaseDelay,
		log:        log,
		sleep:      sleepCtx,
	}
}

// WithRetryPolicy overrides the retry bounds.
func (p *Pipeline) WithRetryPolicy(maxRetries int, baseDelay time.Duration) *Pipeline {
	if maxRetries >= 0 {
		p.maxRetries = maxRetries
	}
	if baseDelay > 0 {
		p.baseDelay = baseDelay
	}
	return p
}

// attemptState is rebuilt fresh every iteration; caller input is never
// touched. A stale captcha is assumed dead, so any attempt after the
// first discards previously supplied or solved text.
type attemptState struct {
	plate       string
	vehicleType string
	captchaText string
	mustSolve   bool
}

// Lookup runs the full retry loop and always returns a LookupResult in
// the shared contract shape, for the REST layer and scheduler alike.
func (p *Pipeline) Lookup(ctx context.Context, opts Options) violation.LookupResult {
	plate := utils.NormalizePlate(opts.Plate)
	if plate == "" {
		return errorResult("invalid input: empty plate", 0)
	}
	if !violation.ValidVehicleType(opts.VehicleType) {
		return errorResult(fmt.Sprintf("invalid input: unknown vehicle type %q", opts.VehicleType), 0)
	}

	requestID := uuid.NewString()
	log := p.log.With().Str("request_id", requestID).Str("plate", plate).Logger()

	client := p.newClient()
	attempts := p.maxRetries + 1
	regenerated := 0
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := time.Duration(attempt-1) * p.baseDelay
			if err := p.sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}

		state := attemptState{
			plate:       plate,
			vehicleType: opts.VehicleType,
			captchaText: opts.CaptchaText,
			mustSolve:   opts.CaptchaText == "",
		}
		if attempt > 1 {
			state.captchaText = ""
			state.mustSolve = true
		}

		violations, err := p.runAttempt(ctx, client, state, attempt, &regenerated, log)
		if err == nil {
			paid, unpaid := csgt.CountPaidUnpaid(violations)
			log.Info().
				Int("attempt", attempt).
				Int("violations", len(violations)).
				Int("captcha_regens", regenerated).
				Msg("lookup succeeded")
			telemetry.LookupSuccess.Inc()
			return violation.LookupResult{
				Status: violation.StatusOK,
				Data: &violation.LookupData{
					Plate:                 plate,
					VehicleType:           opts.VehicleType,
					Violations:            violations,
					TotalViolations:       len(violations),
					TotalPaidViolations:   paid,
					TotalUnpaidViolations: unpaid,
					TotalRetryCaptcha:     regenerated,
				},
			}
		}

		lastErr = err
		log.Warn().
			Int("attempt", attempt).
			Str("kind", csgt.KindOf(err).String()).
			Err(err).
			Msg("lookup attempt failed")

		if !csgt.Retryable(err) {
			break
		}
	}

	telemetry.LookupFailures.Inc()
	msg := "lookup failed"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	return errorResult(msg, regenerated)
}

// runAttempt executes one full session→captcha→validate→fetch→parse
// sequence. Captcha fetches on attempts after the first count as
// regenerations, observable on both success and failure results.
func (p *Pipeline) runAttempt(ctx context.Context, client SessionClient, state attemptState, attempt int, regenerated *int, log zerolog.Logger) ([]violation.Violation, error) {
	if err := client.InitSession(ctx); err != nil {
		return nil, err
	}

	if state.mustSolve {
		image, contentType, err := client.FetchCaptcha(ctx)
		if err != nil {
			return nil, err
		}
		if attempt > 1 {
			*regenerated++
			telemetry.CaptchaRegenerations.Inc()
		}

		solved, err := p.solver.Solve(ctx, image, contentType)
		if err != nil {
			if errors.Is(err, captcha.ErrEmptyCaptcha) {
				return nil, &csgt.SiteError{Kind: csgt.KindCaptchaSolve, Err: err}
			}
			return nil, &csgt.SiteError{Kind: csgt.KindCaptchaSolve, Msg: "solver failed", Err: err}
		}
		if solved.LowConfidence {
			// Proceed anyway: the site's own validation is the final
			// arbiter, and a rejection re-enters the loop with a fresh
			// captcha.
			log.Debug().Int("attempt", attempt).Float64("confidence", solved.Confidence).Msg("submitting low-confidence captcha")
		}
		state.captchaText = solved.Text
	}

	redirectURL, err := client.ValidateCaptcha(ctx, state.plate, state.vehicleType, state.captchaText)
	if err != nil {
		return nil, err
	}

	html, err := client.FetchResult(ctx, redirectURL)
	if err != nil {
		return nil, err
	}

	return csgt.ParseResult(html)
}

func errorResult(msg string, regenerated int) violation.LookupResult {
	return violation.LookupResult{
		Status:  violation.StatusError,
		Message: msg,
		Data: &violation.LookupData{
			TotalRetryCaptcha: regenerated,
		},
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
