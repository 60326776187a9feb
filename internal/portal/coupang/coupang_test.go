// File: internal/portal/coupang/coupang_test.go
package coupang

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/xkilldash9x/storelink-cli/api/schemas"
	"github.com/xkilldash9x/storelink-cli/internal/config"
	"github.com/xkilldash9x/storelink-cli/internal/contacts"
	"github.com/xkilldash9x/storelink-cli/internal/exchange"
	"github.com/xkilldash9x/storelink-cli/internal/portal"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	wingBase  = "https://wing.example.test"
	xauthBase = "https://xauth.example.test"
)

// fakeDriver is a scripted page model: selector presence, texts, and
// click transitions are configured per test, API calls are dispatched
// to canned handlers.
type fakeDriver struct {
	mu      sync.Mutex
	url     string
	exists  map[string]bool
	texts   map[string]string
	inputs  map[string]string
	source  string
	onClick map[string]func(d *fakeDriver)

	fills  map[string][]string
	clicks []string

	postJSON func(rawURL string, body any) ([]byte, int, error)
	postForm func(rawURL string, form url.Values) ([]byte, int, error)
	get      func(rawURL string) ([]byte, int, error)
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		exists:  map[string]bool{},
		texts:   map[string]string{},
		inputs:  map[string]string{},
		onClick: map[string]func(d *fakeDriver){},
		fills:   map[string][]string{},
	}
}

func (d *fakeDriver) Navigate(ctx context.Context, rawURL string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.url = rawURL
	return nil
}

func (d *fakeDriver) Reload(ctx context.Context) error { return nil }

func (d *fakeDriver) CurrentURL(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url, nil
}

func (d *fakeDriver) PageSource(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.source, nil
}

func (d *fakeDriver) Exists(ctx context.Context, selector string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exists[selector]
}

func (d *fakeDriver) IsVisible(ctx context.Context, selector string) bool {
	return d.Exists(ctx, selector)
}

func (d *fakeDriver) WaitVisible(ctx context.Context, selector string, timeout time.Duration) bool {
	return d.Exists(ctx, selector)
}

func (d *fakeDriver) Text(ctx context.Context, selector string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.texts[selector]
}

func (d *fakeDriver) Attribute(ctx context.Context, selector, name string) (string, bool) {
	return "", false
}

func (d *fakeDriver) InputValue(ctx context.Context, selector string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inputs[selector]
}

func (d *fakeDriver) Fill(ctx context.Context, selector, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fills[selector] = append(d.fills[selector], value)
	return nil
}

func (d *fakeDriver) Click(ctx context.Context, selector string) error {
	d.mu.Lock()
	fn := d.onClick[selector]
	d.clicks = append(d.clicks, selector)
	d.mu.Unlock()
	if fn != nil {
		fn(d)
	}
	return nil
}

func (d *fakeDriver) ClickLast(ctx context.Context, selector string) error {
	return d.Click(ctx, selector)
}

func (d *fakeDriver) Screenshot(ctx context.Context, selector string) ([]byte, error) {
	return []byte{0x89}, nil
}

func (d *fakeDriver) ScreenshotPage(ctx context.Context) ([]byte, error) {
	return []byte{0x89}, nil
}

func (d *fakeDriver) Get(ctx context.Context, rawURL string, headers map[string]string) ([]byte, int, error) {
	if d.get == nil {
		return nil, 0, fmt.Errorf("unexpected GET %s", rawURL)
	}
	return d.get(rawURL)
}

func (d *fakeDriver) PostJSON(ctx context.Context, rawURL string, headers map[string]string, body any) ([]byte, int, error) {
	if d.postJSON == nil {
		return nil, 0, fmt.Errorf("unexpected POST %s", rawURL)
	}
	return d.postJSON(rawURL, body)
}

func (d *fakeDriver) PostForm(ctx context.Context, rawURL string, headers map[string]string, form url.Values) ([]byte, int, error) {
	if d.postForm == nil {
		return nil, 0, fmt.Errorf("unexpected form POST %s", rawURL)
	}
	return d.postForm(rawURL, form)
}

func (d *fakeDriver) Close(ctx context.Context) error { return nil }

func (d *fakeDriver) setURL(u string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.url = u
}

var _ schemas.Driver = (*fakeDriver)(nil)

type fakeMail struct{ code string }

func (m *fakeMail) FetchCode(ctx context.Context, label string, since time.Time) (string, error) {
	return m.code, nil
}

// recordingRepo captures persisted artifacts for assertions.
type recordingRepo struct {
	mu       sync.Mutex
	accounts []schemas.SubAccount
}

func (r *recordingRepo) SaveSubAccount(ctx context.Context, acc schemas.SubAccount) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts = append(r.accounts, acc)
	return nil
}

func (r *recordingRepo) SaveVatReports(ctx context.Context, bizNo string, family schemas.PortalFamily, set schemas.VatReportSet) error {
	return nil
}

func (r *recordingRepo) SaveRunResult(ctx context.Context, res schemas.RunResult) error { return nil }

func (r *recordingRepo) WriteLog(ctx context.Context, code, detail string, screenshot []byte) error {
	return nil
}

func (r *recordingRepo) saved() []schemas.SubAccount {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schemas.SubAccount(nil), r.accounts...)
}

func testRequest() schemas.LinkRequest {
	return schemas.LinkRequest{
		Mall:     "coupang",
		UserID:   "seller1",
		Password: "secret#1",
		BizNo:    "1234567890",
	}
}

// harness bundles the workflow with its exchange backed collaborators.
type harness struct {
	drv   *fakeDriver
	store *exchange.Memory
	sink  *exchange.Sink
	scope exchange.Scope
	wf    *Workflow
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	drv := newFakeDriver()
	store := exchange.NewMemory(zap.NewNop())
	t.Cleanup(store.Close)

	req := testRequest()
	scope := exchange.Scope{Family: schemas.FamilyCoupang, UserID: req.UserID, BizNo: req.BizNo}
	sink := exchange.NewSink(store, scope, zap.NewNop())

	slots := []schemas.ContactSlot{{Phone: "01011112222", Email: "care0@example.com", Label: "care0"}}
	pool := contacts.NewPool(config.ExchangeConfig{
		LockTTL:     time.Second,
		LockRetries: 3,
		LockBackoff: time.Millisecond,
		SlotWindow:  time.Millisecond,
	}, slots, store, zap.NewNop())

	wf := New(req, scope.ReplyKey(), portal.Deps{
		Driver: drv,
		Codes:  store,
		Status: sink,
		Slots:  pool,
		Mail:   &fakeMail{code: "654321"},
		Portals: config.PortalsConfig{
			WingBaseURL:  wingBase,
			XAuthBaseURL: xauthBase,
		},
		Contacts: config.ContactsConfig{
			SubAccountName: "비즈넵케어",
			UsernamePrefix: "bznavcare",
		},
		Log: zap.NewNop(),
	})
	return &harness{drv: drv, store: store, sink: sink, scope: scope, wf: wf}
}

func (h *harness) statusTypes(t *testing.T) []string {
	t.Helper()
	envs := h.store.Statuses(h.scope.StatusKey())
	out := make([]string, len(envs))
	for i, e := range envs {
		out[i] = e.Type
	}
	return out
}

// pushReply queues a user side answer on the run's reply queue after a
// short delay so its timestamp lands after the prompt.
func (h *harness) pushReply(t *testing.T, env schemas.Envelope) {
	t.Helper()
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = h.store.Push(context.Background(), h.scope.ReplyKey(), env)
	}()
}

func TestLoginAuthenticated(t *testing.T) {
	h := newHarness(t)
	h.drv.onClick[selLoginSubmit] = func(d *fakeDriver) { d.setURL(wingBase + "/dashboard") }

	outcome, err := h.wf.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, schemas.LoginAuthenticated, outcome)
	assert.Equal(t, []string{"seller1"}, h.drv.fills[selUsername])
	assert.Equal(t, []string{"secret#1"}, h.drv.fills[selPassword])
	assert.Empty(t, h.statusTypes(t))
}

func TestLoginWrongCredential(t *testing.T) {
	h := newHarness(t)
	h.drv.exists[selWrongPw] = true

	outcome, err := h.wf.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, schemas.LoginWrongCredential, outcome)
	assert.Equal(t, []string{schemas.StatusWrongAccount}, h.statusTypes(t))
}

func TestLoginSuspended(t *testing.T) {
	h := newHarness(t)
	h.drv.exists[selSuspended] = true

	outcome, err := h.wf.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, schemas.LoginSuspended, outcome)
	assert.Equal(t, []string{schemas.StatusSuspendedAccount}, h.statusTypes(t))
}

func TestLoginWithMFA(t *testing.T) {
	h := newHarness(t)
	h.drv.onClick[selLoginSubmit] = func(d *fakeDriver) {
		d.setURL(xauthBase + "/auth/realms/seller/login-actions/authenticate?code=xyz")
	}
	h.drv.onClick[selMFASubmit] = func(d *fakeDriver) { d.setURL(wingBase + "/dashboard") }
	h.pushReply(t, schemas.Envelope{Type: schemas.OpSMS, Data: "482913"})

	outcome, err := h.wf.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, schemas.LoginAuthenticated, outcome)
	assert.Equal(t, []string{"482913"}, h.drv.fills[selMFACode])
	assert.Contains(t, h.drv.clicks, selMFAContainer)

	types := h.statusTypes(t)
	assert.Equal(t, []string{schemas.OpSMS, schemas.StatusSMSSuccess}, types)
}

func TestLoginMFATerminated(t *testing.T) {
	h := newHarness(t)
	h.drv.onClick[selLoginSubmit] = func(d *fakeDriver) {
		d.setURL(xauthBase + "/auth/realms/seller/login-actions/authenticate")
	}
	h.pushReply(t, schemas.Envelope{Type: schemas.OpTerminate})

	outcome, err := h.wf.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, schemas.LoginTerminated, outcome)
	assert.Empty(t, h.drv.fills[selMFACode])
}

func TestLoginForcedPasswordChange(t *testing.T) {
	h := newHarness(t)
	h.drv.onClick[selLoginSubmit] = func(d *fakeDriver) {
		d.setURL(wingBase + "/configuration/account/change-password?forced=true")
	}
	// Clicking postpone does not move off the page.

	outcome, err := h.wf.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, schemas.LoginPasswordChangeRequired, outcome)
	assert.Contains(t, h.drv.clicks, selPostponePw)
	assert.Equal(t, []string{schemas.StatusRequirePasswordChange}, h.statusTypes(t))
}

func TestLoginPostponedPasswordChange(t *testing.T) {
	h := newHarness(t)
	h.drv.onClick[selLoginSubmit] = func(d *fakeDriver) {
		d.setURL(wingBase + "/configuration/account/change-password")
	}
	h.drv.onClick[selPostponePw] = func(d *fakeDriver) { d.setURL(wingBase + "/dashboard") }

	outcome, err := h.wf.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, schemas.LoginAuthenticated, outcome)
	assert.Empty(t, h.statusTypes(t))
}

func TestVerifyBusiness(t *testing.T) {
	t.Run("match ignores dashes", func(t *testing.T) {
		h := newHarness(t)
		h.drv.texts[selBizNo] = "123-45-67890"

		ok, err := h.wf.VerifyBusiness(context.Background())
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []string{"secret#1"}, h.drv.fills[selConfirmPw])
		assert.Empty(t, h.statusTypes(t))
	})

	t.Run("mismatch publishes status", func(t *testing.T) {
		h := newHarness(t)
		h.drv.texts[selBizNo] = "999-88-77777"

		ok, err := h.wf.VerifyBusiness(context.Background())
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, []string{schemas.StatusMismatchBizNo}, h.statusTypes(t))
	})

	t.Run("missing page publishes status", func(t *testing.T) {
		h := newHarness(t)
		h.drv.exists[selPageMissing] = true

		ok, err := h.wf.VerifyBusiness(context.Background())
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, []string{schemas.StatusMismatchBizNo}, h.statusTypes(t))
	})
}

// wireCreateAPIs scripts the vendor auth and create endpoints. The SMS
// code is pushed onto the slot queue when the phone send fires, exactly
// like the relay would.
func (h *harness) wireCreateAPIs(t *testing.T, createBody string) {
	t.Helper()
	h.drv.inputs[selCTK] = "ctk-token-1"
	h.drv.postJSON = func(rawURL string, body any) ([]byte, int, error) {
		switch {
		case strings.HasSuffix(rawURL, phoneSendPath):
			go func() {
				time.Sleep(20 * time.Millisecond)
				_ = h.store.Push(context.Background(),
					exchange.SlotQueueKey(schemas.FamilyCoupang, 0),
					schemas.Envelope{Type: schemas.OpSMS, Data: "112233"})
			}()
			return []byte(`{}`), 200, nil
		case strings.HasSuffix(rawURL, phoneVerifyPath):
			return []byte(`{"data":{"reasonCode":"SUCCESS","token":"tok-phone"}}`), 200, nil
		case strings.HasSuffix(rawURL, emailSendPath):
			return []byte(`{}`), 200, nil
		case strings.HasSuffix(rawURL, emailVerifyPath):
			return []byte(`{"data":{"reasonCode":"SUCCESS","token":"tok-email"}}`), 200, nil
		}
		return nil, 0, fmt.Errorf("unexpected POST %s", rawURL)
	}
	h.drv.postForm = func(rawURL string, form url.Values) ([]byte, int, error) {
		require.True(t, strings.HasSuffix(rawURL, createAccountPath))
		assert.Equal(t, "ctk-token-1", form.Get("_ctk"))
		assert.Equal(t, "tok-phone", form.Get("tokenForMobile"))
		assert.Equal(t, "tok-email", form.Get("tokenForEmail"))
		assert.Equal(t, "비즈넵케어", form.Get("userName"))
		assert.Equal(t, form.Get("password"), form.Get("repeatPw"))
		assert.Equal(t, "01011112222", form.Get("mobile"))
		return []byte(createBody), 200, nil
	}
}

func TestProvisionSubAccountCreated(t *testing.T) {
	h := newHarness(t)
	h.wireCreateAPIs(t, `{"successful":true,"message":"OK","code":0}`)

	acc, err := h.wf.ProvisionSubAccount(context.Background())
	require.NoError(t, err)
	require.NotNil(t, acc)
	assert.Equal(t, "bznavcare1", acc.Username)
	assert.Equal(t, schemas.FamilyCoupang, acc.Family)
	assert.Equal(t, "1234567890", acc.BizNo)
	assert.NotEmpty(t, acc.Password)

	// Created account advances the cursor exactly once.
	cursor, err := h.store.Counter(context.Background(), exchange.CursorKey(schemas.FamilyCoupang))
	require.NoError(t, err)
	assert.Equal(t, int64(1), cursor)
}

func TestProvisionSubAccountDuplicateUsername(t *testing.T) {
	h := newHarness(t)
	h.wireCreateAPIs(t, `{"successful":false,"message":"UserID Duplicate","code":0}`)

	acc, err := h.wf.ProvisionSubAccount(context.Background())
	require.Error(t, err)
	assert.Nil(t, acc)
	assert.Contains(t, err.Error(), "already taken")

	// Collision also burns the ordinal, but only once.
	cursor, err := h.store.Counter(context.Background(), exchange.CursorKey(schemas.FamilyCoupang))
	require.NoError(t, err)
	assert.Equal(t, int64(1), cursor)
}

func TestProvisionSubAccountRejectedKeepsCursor(t *testing.T) {
	h := newHarness(t)
	h.wireCreateAPIs(t, `{"successful":false,"message":"Internal Error","code":1}`)

	acc, err := h.wf.ProvisionSubAccount(context.Background())
	require.Error(t, err)
	assert.Nil(t, acc)

	cursor, err := h.store.Counter(context.Background(), exchange.CursorKey(schemas.FamilyCoupang))
	require.NoError(t, err)
	assert.Equal(t, int64(0), cursor)
}

func TestProvisionSubAccountMissingCSRFToken(t *testing.T) {
	h := newHarness(t)
	// No _ctk input on the page.

	acc, err := h.wf.ProvisionSubAccount(context.Background())
	require.Error(t, err)
	assert.Nil(t, acc)
	assert.Contains(t, err.Error(), "csrf token")
}

func TestProvisionSubAccountPersistsCredentialsBeforeCreate(t *testing.T) {
	h := newHarness(t)
	repo := &recordingRepo{}
	h.wf.deps.Repo = repo
	h.wireCreateAPIs(t, `{"successful":true,"message":"OK","code":0}`)

	// The generated password exists nowhere outside the repository, so
	// the record has to land before the create request goes out.
	createForm := h.drv.postForm
	h.drv.postForm = func(rawURL string, form url.Values) ([]byte, int, error) {
		require.Len(t, repo.saved(), 1)
		assert.Equal(t, form.Get("password"), repo.saved()[0].Password)
		return createForm(rawURL, form)
	}

	acc, err := h.wf.ProvisionSubAccount(context.Background())
	require.NoError(t, err)
	require.NotNil(t, acc)

	saved := repo.saved()
	require.Len(t, saved, 1)
	assert.Equal(t, acc.Username, saved[0].Username)
	assert.Equal(t, acc.Password, saved[0].Password)
	assert.Equal(t, schemas.FamilyCoupang, saved[0].Family)
	assert.Equal(t, "1234567890", saved[0].BizNo)
	assert.Equal(t, 0, saved[0].Slot.Index)
}

func TestProvisionSubAccountPersistsOnDuplicate(t *testing.T) {
	h := newHarness(t)
	repo := &recordingRepo{}
	h.wf.deps.Repo = repo
	h.wireCreateAPIs(t, `{"successful":false,"message":"UserID Duplicate","code":0}`)

	acc, err := h.wf.ProvisionSubAccount(context.Background())
	require.Error(t, err)
	assert.Nil(t, acc)

	// The portal may have kept the account despite the rejection; the
	// credential record stays behind either way.
	saved := repo.saved()
	require.Len(t, saved, 1)
	assert.NotEmpty(t, saved[0].Password)
}

func TestProvisionSubAccountWithoutMailbox(t *testing.T) {
	h := newHarness(t)
	h.wf.deps.Mail = nil
	h.wireCreateAPIs(t, `{"successful":true,"message":"OK","code":0}`)

	// Without a mailbox client the email round cannot complete; the run
	// fails with a plain error instead of crashing.
	acc, err := h.wf.ProvisionSubAccount(context.Background())
	require.Error(t, err)
	assert.Nil(t, acc)
	assert.Contains(t, err.Error(), "mailbox")
}

func TestFetchReportsBothSources(t *testing.T) {
	h := newHarness(t)
	h.drv.source = `window.__GLOBAL_DATA__ = {"vendorId":"A00012345","vendorName":"테스트상회"};`
	h.drv.postJSON = func(rawURL string, body any) ([]byte, int, error) {
		require.True(t, strings.HasSuffix(rawURL, paymentMethodPath))
		return []byte(`{"paymentMethodReports":[
			{"yearMonth":"202601","settlementAmount":150000,"feeAmount":3000},
			{"yearMonth":"202602","settlementAmount":210000,"feeAmount":4200}
		]}`), 200, nil
	}
	h.drv.get = func(rawURL string) ([]byte, int, error) {
		require.Contains(t, rawURL, "fromYearMonth=2026-01")
		require.Contains(t, rawURL, "toYearMonth=2026-06")
		return []byte(`{"vatResponseAggregatedDtos":[
			{"yearMonth":"2026-01","totalAmount":99000}
		]}`), 200, nil
	}

	set, err := h.wf.FetchReports(context.Background(), "2026-01", "2026-06")
	require.NoError(t, err)
	require.NotNil(t, set)
	assert.Empty(t, set.Errors)
	require.Len(t, set.Reports, 3)

	first := set.Reports[0]
	assert.Equal(t, "payment-method", first.Source)
	assert.Equal(t, "2026-01", first.YM)
	assert.Equal(t, "A00012345", first.StoreID)
	assert.Equal(t, "테스트상회", first.StoreName)
	assert.Equal(t, int64(150000), first.Amounts["settlementAmount"])

	last := set.Reports[2]
	assert.Equal(t, "rocket-growth", last.Source)
	assert.Equal(t, "2026-01", last.YM)
	assert.Equal(t, int64(99000), last.Amounts["totalAmount"])
}

func TestFetchReportsPartialFailure(t *testing.T) {
	h := newHarness(t)
	h.drv.postJSON = func(rawURL string, body any) ([]byte, int, error) {
		return []byte(`{"error":"unavailable"}`), 500, nil
	}
	h.drv.get = func(rawURL string) ([]byte, int, error) {
		return []byte(`{"vatResponseAggregatedDtos":[{"yearMonth":"2026-03","totalAmount":1}]}`), 200, nil
	}

	set, err := h.wf.FetchReports(context.Background(), "2026-01", "2026-06")
	require.NoError(t, err)
	require.Len(t, set.Reports, 1)
	assert.Equal(t, "rocket-growth", set.Reports[0].Source)
	require.Len(t, set.Errors, 1)
	assert.Contains(t, set.Errors[0], "payment-method")
}
