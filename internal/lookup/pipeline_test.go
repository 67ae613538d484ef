package lookup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phatnguoi-service/internal/captcha"
	"phatnguoi-service/internal/csgt"
	"phatnguoi-service/internal/domain/violation"
)

// fakeClient scripts the four site calls and records invocations.
type fakeClient struct {
	initCalls     int
	captchaCalls  int
	validateCalls int
	resultCalls   int

	validatedPlates []string
	validatedTexts  []string

	initErr     error
	captchaErr  error
	validateErr func(call int) error
	resultHTML  string
	resultErr   error
}

func (f *fakeClient) InitSession(context.Context) error {
	f.initCalls++
	return f.initErr
}

func (f *fakeClient) FetchCaptcha(context.Context) ([]byte, string, error) {
	f.captchaCalls++
	if f.captchaErr != nil {
		return nil, "", f.captchaErr
	}
	return []byte("imgbytes"), "image/png", nil
}

func (f *fakeClient) ValidateCaptcha(_ context.Context, plate, vehicleType, captchaText string) (string, error) {
	f.validateCalls++
	f.validatedPlates = append(f.validatedPlates, plate)
	f.validatedTexts = append(f.validatedTexts, captchaText)
	if f.validateErr != nil {
		if err := f.validateErr(f.validateCalls); err != nil {
			return "", err
		}
	}
	return "/result", nil
}

func (f *fakeClient) FetchResult(context.Context, string) (string, error) {
	f.resultCalls++
	if f.resultErr != nil {
		return "", f.resultErr
	}
	return f.resultHTML, nil
}

type fakeSolver struct {
	calls int
	text  string
	err   error
}

func (f *fakeSolver) Solve(context.Context, []byte, string) (captcha.Result, error) {
	f.calls++
	if f.err != nil {
		return captcha.Result{}, f.err
	}
	return captcha.Result{Text: f.text, Confidence: 90}, nil
}

const emptyResultHTML = `<html><body><div id="bodyPrint123"></div></body></html>`

const oneViolationHTML = `<html><body><div id="bodyPrint123">
<div class="form-group"><label>Biển kiểm soát:</label><div class="col-md-9"><span>51K-671.79</span></div></div>
<div class="form-group"><label>Thời gian vi phạm:</label><div class="col-md-9"><span>10:05, 02/08/2026</span></div></div>
<div class="form-group"><label>Địa điểm vi phạm:</label><div class="col-md-9"><span>Quận 1</span></div></div>
<div class="form-group"><label>Hành vi vi phạm:</label><div class="col-md-9"><span>Vượt đèn đỏ</span></div></div>
<div class="form-group"><label>Trạng thái:</label><div class="col-md-9"><span>Chưa xử phạt</span></div></div>
</div></body></html>`

func newTestPipeline(client *fakeClient, solver *fakeSolver, maxRetries int) *Pipeline {
	p := NewPipeline(func() SessionClient { return client }, solver, zerolog.Nop()).
		WithRetryPolicy(maxRetries, time.Millisecond)
	// Backoff sleeps are pointless in tests.
	p.sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func TestLookupSuccessFirstAttempt(t *testing.T) {
	client := &fakeClient{resultHTML: oneViolationHTML}
	solver := &fakeSolver{text: "x7k2p"}
	p := newTestPipeline(client, solver, 5)

	res := p.Lookup(context.Background(), Options{Plate: "51K-671.79", VehicleType: "1"})

	require.Equal(t, violation.StatusOK, res.Status)
	require.NotNil(t, res.Data)
	assert.Equal(t, "51K67179", res.Data.Plate)
	assert.Equal(t, 1, res.Data.TotalViolations)
	assert.Equal(t, 0, res.Data.TotalPaidViolations)
	assert.Equal(t, 1, res.Data.TotalUnpaidViolations)
	assert.Equal(t, 0, res.Data.TotalRetryCaptcha)
	assert.Equal(t, 1, client.validateCalls)
	assert.Equal(t, 1, solver.calls)
}

func TestLookupNormalizesPlateBeforeNetwork(t *testing.T) {
	client := &fakeClient{resultHTML: emptyResultHTML}
	solver := &fakeSolver{text: "abc"}
	p := newTestPipeline(client, solver, 0)

	res := p.Lookup(context.Background(), Options{Plate: "51K-67179 ", VehicleType: "1"})

	require.Equal(t, violation.StatusOK, res.Status)
	require.Len(t, client.validatedPlates, 1)
	assert.Equal(t, "51K67179", client.validatedPlates[0])
}

func TestLookupInvalidVehicleTypeNoNetworkCalls(t *testing.T) {
	client := &fakeClient{}
	solver := &fakeSolver{text: "abc"}
	p := newTestPipeline(client, solver, 5)

	res := p.Lookup(context.Background(), Options{Plate: "51K67179", VehicleType: "9"})

	assert.Equal(t, violation.StatusError, res.Status)
	assert.Contains(t, res.Message, "invalid input")
	assert.Zero(t, client.initCalls)
	assert.Zero(t, client.captchaCalls)
	assert.Zero(t, client.validateCalls)
	assert.Zero(t, client.resultCalls)
}

func TestLookupEmptyPlateNoNetworkCalls(t *testing.T) {
	client := &fakeClient{}
	p := newTestPipeline(client, &fakeSolver{text: "abc"}, 5)

	res := p.Lookup(context.Background(), Options{Plate: "  - ", VehicleType: "1"})

	assert.Equal(t, violation.StatusError, res.Status)
	assert.Zero(t, client.initCalls)
}

func TestLookupRetryExhaustion(t *testing.T) {
	client := &fakeClient{
		validateErr: func(int) error {
			return &csgt.SiteError{Kind: csgt.KindServerError, Status: 500, Msg: "site down"}
		},
	}
	solver := &fakeSolver{text: "abc"}
	p := newTestPipeline(client, solver, 5)

	res := p.Lookup(context.Background(), Options{Plate: "51K67179", VehicleType: "1"})

	assert.Equal(t, violation.StatusError, res.Status)
	assert.Contains(t, res.Message, "site down")
	// maxRetries=5 bounds the loop to exactly 6 attempts.
	assert.Equal(t, 6, client.validateCalls)
	assert.Equal(t, 6, client.captchaCalls)
	// Attempt 1 uses the original captcha; the 5 retries each force a
	// regeneration.
	require.NotNil(t, res.Data)
	assert.Equal(t, 5, res.Data.TotalRetryCaptcha)
}

func TestLookupForcedRefreshDiscardsManualCaptcha(t *testing.T) {
	client := &fakeClient{
		resultHTML: emptyResultHTML,
		validateErr: func(call int) error {
			if call == 1 {
				return &csgt.SiteError{Kind: csgt.KindCaptchaInvalid}
			}
			return nil
		},
	}
	solver := &fakeSolver{text: "fresh"}
	p := newTestPipeline(client, solver, 5)

	res := p.Lookup(context.Background(), Options{
		Plate:       "51K67179",
		VehicleType: "1",
		CaptchaText: "manual",
	})

	require.Equal(t, violation.StatusOK, res.Status)
	// Attempt 1 skips fetch/solve and submits the manual text; the
	// retry fetches fresh even though a manual captcha was supplied.
	assert.Equal(t, 1, client.captchaCalls)
	assert.Equal(t, 1, solver.calls)
	require.Len(t, client.validatedTexts, 2)
	assert.Equal(t, "manual", client.validatedTexts[0])
	assert.Equal(t, "fresh", client.validatedTexts[1])
	assert.Equal(t, 1, res.Data.TotalRetryCaptcha)
}

func TestLookupNonRetryableErrorStopsImmediately(t *testing.T) {
	client := &fakeClient{
		validateErr: func(int) error { return errors.New("wire corruption") },
	}
	p := newTestPipeline(client, &fakeSolver{text: "abc"}, 5)

	res := p.Lookup(context.Background(), Options{Plate: "51K67179", VehicleType: "1"})

	assert.Equal(t, violation.StatusError, res.Status)
	assert.Equal(t, 1, client.validateCalls)
}

func TestLookupSolverFailureRetries(t *testing.T) {
	client := &fakeClient{resultHTML: emptyResultHTML}
	solver := &fakeSolver{err: captcha.ErrEmptyCaptcha}
	p := newTestPipeline(client, solver, 2)

	res := p.Lookup(context.Background(), Options{Plate: "51K67179", VehicleType: "1"})

	assert.Equal(t, violation.StatusError, res.Status)
	// Solve fails every attempt: 3 attempts, all fetch a captcha.
	assert.Equal(t, 3, client.captchaCalls)
	assert.Zero(t, client.validateCalls)
	assert.Equal(t, 2, res.Data.TotalRetryCaptcha)
}

func TestLookupSessionInitFailureIsRetried(t *testing.T) {
	client := &fakeClient{initErr: &csgt.SiteError{Kind: csgt.KindSessionInit}}
	p := newTestPipeline(client, &fakeSolver{text: "abc"}, 2)

	res := p.Lookup(context.Background(), Options{Plate: "51K67179", VehicleType: "1"})

	assert.Equal(t, violation.StatusError, res.Status)
	assert.Equal(t, 3, client.initCalls)
}

func TestLookupSuccessAfterFlakyAttemptsReportsRegens(t *testing.T) {
	client := &fakeClient{
		resultHTML: oneViolationHTML,
		validateErr: func(call int) error {
			if call <= 2 {
				return &csgt.SiteError{Kind: csgt.KindForbidden, Status: 403}
			}
			return nil
		},
	}
	p := newTestPipeline(client, &fakeSolver{text: "abc"}, 5)

	res := p.Lookup(context.Background(), Options{Plate: "51K67179", VehicleType: "1"})

	// Succeeded, but the flakiness stays observable on the payload.
	require.Equal(t, violation.StatusOK, res.Status)
	assert.Equal(t, 2, res.Data.TotalRetryCaptcha)
	assert.Equal(t, 3, client.validateCalls)
}

func TestLookupContextCancelledDuringBackoff(t *testing.T) {
	client := &fakeClient{
		validateErr: func(int) error {
			return &csgt.SiteError{Kind: csgt.KindServerError}
		},
	}
	p := NewPipeline(func() SessionClient { return client }, &fakeSolver{text: "abc"}, zerolog.Nop()).
		WithRetryPolicy(5, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := p.Lookup(ctx, Options{Plate: "51K67179", VehicleType: "1"})

	assert.Equal(t, violation.StatusError, res.Status)
	// Attempt 1 ran, the backoff noticed cancellation before attempt 2.
	assert.Equal(t, 1, client.validateCalls)
}
