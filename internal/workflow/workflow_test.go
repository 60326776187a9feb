// File: internal/workflow/workflow_test.go
package workflow

import (
	"context"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/xkilldash9x/storelink-cli/api/schemas"
	"github.com/xkilldash9x/storelink-cli/internal/config"
	"github.com/xkilldash9x/storelink-cli/internal/exchange"
	"github.com/xkilldash9x/storelink-cli/internal/portal"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// nopDriver satisfies the session contract without touching a network.
type nopDriver struct {
	closed bool
}

func (d *nopDriver) Navigate(ctx context.Context, rawURL string) error { return nil }
func (d *nopDriver) Reload(ctx context.Context) error                  { return nil }
func (d *nopDriver) CurrentURL(ctx context.Context) (string, error)    { return "", nil }
func (d *nopDriver) PageSource(ctx context.Context) (string, error)    { return "", nil }
func (d *nopDriver) Exists(ctx context.Context, selector string) bool  { return false }
func (d *nopDriver) IsVisible(ctx context.Context, selector string) bool {
	return false
}
func (d *nopDriver) WaitVisible(ctx context.Context, selector string, timeout time.Duration) bool {
	return false
}
func (d *nopDriver) Text(ctx context.Context, selector string) string { return "" }
func (d *nopDriver) Attribute(ctx context.Context, selector, name string) (string, bool) {
	return "", false
}
func (d *nopDriver) InputValue(ctx context.Context, selector string) string  { return "" }
func (d *nopDriver) Fill(ctx context.Context, selector, value string) error  { return nil }
func (d *nopDriver) Click(ctx context.Context, selector string) error        { return nil }
func (d *nopDriver) ClickLast(ctx context.Context, selector string) error    { return nil }
func (d *nopDriver) Screenshot(ctx context.Context, selector string) ([]byte, error) {
	return []byte{0x89}, nil
}
func (d *nopDriver) ScreenshotPage(ctx context.Context) ([]byte, error) {
	return []byte{0x89, 0x50}, nil
}
func (d *nopDriver) Get(ctx context.Context, rawURL string, headers map[string]string) ([]byte, int, error) {
	return nil, 0, fmt.Errorf("unexpected GET")
}
func (d *nopDriver) PostJSON(ctx context.Context, rawURL string, headers map[string]string, body any) ([]byte, int, error) {
	return nil, 0, fmt.Errorf("unexpected POST")
}
func (d *nopDriver) PostForm(ctx context.Context, rawURL string, headers map[string]string, form url.Values) ([]byte, int, error) {
	return nil, 0, fmt.Errorf("unexpected form POST")
}
func (d *nopDriver) Close(ctx context.Context) error {
	d.closed = true
	return nil
}

var _ schemas.Driver = (*nopDriver)(nil)

// stubWorkflow replays scripted stage results.
type stubWorkflow struct {
	loginOutcome schemas.LoginOutcome
	loginErr     error
	loginFn      func(ctx context.Context) (schemas.LoginOutcome, error)

	verified  bool
	verifyErr error

	account      *schemas.SubAccount
	provisionErr error

	vat         *schemas.VatReportSet
	fetchErr    error
	fetchCalled bool
}

func (s *stubWorkflow) Login(ctx context.Context) (schemas.LoginOutcome, error) {
	if s.loginFn != nil {
		return s.loginFn(ctx)
	}
	return s.loginOutcome, s.loginErr
}

func (s *stubWorkflow) VerifyBusiness(ctx context.Context) (bool, error) {
	return s.verified, s.verifyErr
}

func (s *stubWorkflow) ProvisionSubAccount(ctx context.Context) (*schemas.SubAccount, error) {
	return s.account, s.provisionErr
}

func (s *stubWorkflow) FetchReports(ctx context.Context, startYM, endYM string) (*schemas.VatReportSet, error) {
	s.fetchCalled = true
	return s.vat, s.fetchErr
}

var _ portal.Workflow = (*stubWorkflow)(nil)

// recordingRepo captures persistence calls and can fail on demand.
type recordingRepo struct {
	subAccounts []schemas.SubAccount
	vatSets     []schemas.VatReportSet
	results     []schemas.RunResult
	logs        []string
	screenshots [][]byte

	resultErr error
}

func (r *recordingRepo) SaveSubAccount(ctx context.Context, acc schemas.SubAccount) error {
	r.subAccounts = append(r.subAccounts, acc)
	return nil
}

func (r *recordingRepo) SaveVatReports(ctx context.Context, bizNo string, family schemas.PortalFamily, set schemas.VatReportSet) error {
	r.vatSets = append(r.vatSets, set)
	return nil
}

func (r *recordingRepo) SaveRunResult(ctx context.Context, res schemas.RunResult) error {
	if r.resultErr != nil {
		return r.resultErr
	}
	r.results = append(r.results, res)
	return nil
}

func (r *recordingRepo) WriteLog(ctx context.Context, code, detail string, screenshot []byte) error {
	r.logs = append(r.logs, code)
	r.screenshots = append(r.screenshots, screenshot)
	return nil
}

var _ schemas.Repository = (*recordingRepo)(nil)

type recordingBooks struct {
	pushed   []schemas.RunResult
	bookmark []string
}

func (b *recordingBooks) PushResult(ctx context.Context, res schemas.RunResult) error {
	b.pushed = append(b.pushed, res)
	return nil
}

func (b *recordingBooks) UpdateLastScrapedAt(ctx context.Context, bizNo string, family schemas.PortalFamily, t time.Time) error {
	b.bookmark = append(b.bookmark, bizNo)
	return nil
}

var _ schemas.BooksPusher = (*recordingBooks)(nil)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	v.Set("exchange.backend", "memory")
	cfg, err := config.NewConfigFromViper(v)
	require.NoError(t, err)
	return cfg
}

func testRequest() schemas.LinkRequest {
	return schemas.LinkRequest{
		Mall:       "coupang",
		UserID:     "seller1",
		Password:   "secret#1",
		BizNo:      "1234567890",
		IncludeVat: true,
		StartYM:    "2026-01",
		EndYM:      "2026-06",
	}
}

type fixture struct {
	runner *Runner
	store  *exchange.Memory
	repo   *recordingRepo
	books  *recordingBooks
	drv    *nopDriver
	wf     *stubWorkflow
	scope  exchange.Scope
}

func newFixture(t *testing.T, wf *stubWorkflow) *fixture {
	t.Helper()
	store := exchange.NewMemory(zap.NewNop())
	t.Cleanup(store.Close)

	repo := &recordingRepo{}
	books := &recordingBooks{}
	drv := &nopDriver{}

	req := testRequest()
	runner := NewRunner(testConfig(t), store, repo, books, nil, nil, zap.NewNop()).
		WithDriverFactory(func(ctx context.Context) (schemas.Driver, error) { return drv, nil }).
		WithFailsafe(time.Second)
	runner.newWorkflow = func(schemas.PortalFamily, schemas.LinkRequest, exchange.Scope,
		schemas.Driver, *exchange.Sink, *zap.Logger) portal.Workflow {
		return wf
	}

	scope := exchange.Scope{Family: schemas.FamilyCoupang, UserID: req.UserID, BizNo: req.BizNo}
	return &fixture{runner: runner, store: store, repo: repo, books: books, drv: drv, wf: wf, scope: scope}
}

func (f *fixture) lastStatus(t *testing.T) string {
	t.Helper()
	val, ok, err := f.store.GetValue(context.Background(), f.scope.LastStatusKey())
	require.NoError(t, err)
	require.True(t, ok)
	return val
}

func TestRunCompleted(t *testing.T) {
	wf := &stubWorkflow{
		loginOutcome: schemas.LoginAuthenticated,
		verified:     true,
		account:      &schemas.SubAccount{Username: "bznavcare1"},
		vat: &schemas.VatReportSet{Reports: []schemas.VatReport{
			{Source: "payment-method", YM: "2026-01", Amounts: map[string]int64{"settlementAmount": 1}},
		}},
	}
	f := newFixture(t, wf)

	res, err := f.runner.Run(context.Background(), testRequest())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, schemas.StatusCompleted, res.Status)
	assert.NotEmpty(t, res.RunID)
	require.NotNil(t, res.SubAccount)
	assert.Equal(t, "bznavcare1", res.SubAccount.Username)

	// Persisted first, then pushed downstream.
	require.Len(t, f.repo.results, 1)
	require.Len(t, f.repo.subAccounts, 1)
	require.Len(t, f.repo.vatSets, 1)
	require.Len(t, f.books.pushed, 1)
	assert.Equal(t, []string{"1234567890"}, f.books.bookmark)

	assert.Equal(t, schemas.StatusCompleted, f.lastStatus(t))
	assert.True(t, f.drv.closed)
}

func TestRunWrongCredential(t *testing.T) {
	wf := &stubWorkflow{loginOutcome: schemas.LoginWrongCredential}
	f := newFixture(t, wf)

	res, err := f.runner.Run(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusWrongAccount, res.Status)
	assert.Equal(t, schemas.StatusWrongAccount, f.lastStatus(t))

	// The failed run is still recorded, but nothing goes downstream.
	require.Len(t, f.repo.results, 1)
	assert.Empty(t, f.books.pushed)
	assert.False(t, wf.fetchCalled)
}

func TestRunMismatchBizNo(t *testing.T) {
	wf := &stubWorkflow{loginOutcome: schemas.LoginAuthenticated, verified: false}
	f := newFixture(t, wf)

	res, err := f.runner.Run(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusMismatchBizNo, res.Status)
	assert.Empty(t, f.books.pushed)
}

func TestRunPortalErrorIsTemporary(t *testing.T) {
	wf := &stubWorkflow{loginErr: fmt.Errorf("portal exploded")}
	f := newFixture(t, wf)

	res, err := f.runner.Run(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusTemporaryError, res.Status)

	// The failure log carries a page screenshot for diagnosis.
	require.Len(t, f.repo.logs, 1)
	assert.Equal(t, schemas.StatusTemporaryError, f.repo.logs[0])
	assert.NotEmpty(t, f.repo.screenshots[0])
}

func TestRunFailsafeTimeout(t *testing.T) {
	wf := &stubWorkflow{loginFn: func(ctx context.Context) (schemas.LoginOutcome, error) {
		<-ctx.Done()
		return schemas.LoginFailed, ctx.Err()
	}}
	f := newFixture(t, wf)
	f.runner.WithFailsafe(20 * time.Millisecond)

	res, err := f.runner.Run(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusTimeout, res.Status)
	assert.Equal(t, schemas.StatusTimeout, f.lastStatus(t))
	// Timeouts are not logged as temporary errors.
	assert.Empty(t, f.repo.logs)
}

func TestRunPanicRecovers(t *testing.T) {
	wf := &stubWorkflow{loginFn: func(ctx context.Context) (schemas.LoginOutcome, error) {
		panic("selector vanished")
	}}
	f := newFixture(t, wf)

	res, err := f.runner.Run(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusTemporaryError, res.Status)
	assert.True(t, f.drv.closed)
}

func TestRunValidatesRequest(t *testing.T) {
	f := newFixture(t, &stubWorkflow{})

	req := testRequest()
	req.BizNo = ""
	res, err := f.runner.Run(context.Background(), req)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Contains(t, err.Error(), "bizNo")
}

func TestRunSkipsVatWhenNotRequested(t *testing.T) {
	wf := &stubWorkflow{
		loginOutcome: schemas.LoginAuthenticated,
		verified:     true,
		account:      &schemas.SubAccount{Username: "bznavcare1"},
	}
	f := newFixture(t, wf)

	req := testRequest()
	req.IncludeVat = false
	res, err := f.runner.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusCompleted, res.Status)
	assert.False(t, wf.fetchCalled)
	assert.Nil(t, res.Vat)
	assert.Empty(t, f.repo.vatSets)
}

func TestRunPersistFailureSkipsBooksPush(t *testing.T) {
	wf := &stubWorkflow{
		loginOutcome: schemas.LoginAuthenticated,
		verified:     true,
		account:      &schemas.SubAccount{Username: "bznavcare1"},
		vat:          &schemas.VatReportSet{},
	}
	f := newFixture(t, wf)
	f.repo.resultErr = fmt.Errorf("connection reset")

	res, err := f.runner.Run(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusCompleted, res.Status)
	assert.Empty(t, f.books.pushed)
	assert.Empty(t, f.books.bookmark)
}

func TestReportRangeDefaults(t *testing.T) {
	req := testRequest()
	req.StartYM, req.EndYM = "", ""
	start, end, err := reportRange(req)
	require.NoError(t, err)
	assert.Regexp(t, `^\d{4}-(01)$`, start)
	assert.Regexp(t, `^\d{4}-(06|12)$`, end)

	req.StartYM, req.EndYM = "202601", "2026-06"
	start, end, err = reportRange(req)
	require.NoError(t, err)
	assert.Equal(t, "2026-01", start)
	assert.Equal(t, "2026-06", end)

	req.StartYM = "2026-13"
	_, _, err = reportRange(req)
	require.Error(t, err)
}
