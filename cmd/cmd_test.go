// File: cmd/cmd_test.go
package cmd

import (
	"bytes"
	"context"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/xkilldash9x/storelink-cli/api/schemas"
	"github.com/xkilldash9x/storelink-cli/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// execute runs a freshly built command with captured output.
func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootRegistersSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, sub := range rootCmd.Commands() {
		names[sub.Name()] = true
	}
	for _, want := range []string{"serve", "link", "report"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestRootVersionFlag(t *testing.T) {
	out, err := execute(t, rootCmd, "--version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)
}

func TestLinkRejectsMissingBizNo(t *testing.T) {
	_, err := execute(t, newLinkCmd(),
		"--mall", "coupang", "--user-id", "seller1", "--password", "pw")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bizNo")
}

func TestLinkRejectsUnknownMall(t *testing.T) {
	_, err := execute(t, newLinkCmd(),
		"--mall", "gmarket", "--user-id", "seller1", "--password", "pw", "--biz-no", "1234567890")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gmarket")
}

func TestLinkSmartstoreNeedsSubAccountContact(t *testing.T) {
	_, err := execute(t, newLinkCmd(),
		"--mall", "smartstore", "--user-id", "seller1", "--password", "pw", "--biz-no", "1234567890")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subAccountName")
}

func TestPrintLinkResultSummary(t *testing.T) {
	res := &schemas.RunResult{
		RunID:  "run-42",
		Status: schemas.StatusCompleted,
		SubAccount: &schemas.SubAccount{
			Username: "bznavcare3",
			Slot:     schemas.ContactSlot{Index: 2, Phone: "01011112222"},
		},
		Vat: &schemas.VatReportSet{
			Reports: []schemas.VatReport{{YM: "2026-01"}},
			Errors:  []string{"channel 202: status 500"},
		},
	}

	var out bytes.Buffer
	printLinkResult(&out, res)

	assert.Contains(t, out.String(), "Run ID: run-42")
	assert.Contains(t, out.String(), "Sub account: bznavcare3 (slot 2)")
	assert.Contains(t, out.String(), "VAT reports: 1")
	assert.Contains(t, out.String(), "partial failure: channel 202: status 500")
}

func TestReportRejectsUnknownMall(t *testing.T) {
	_, err := execute(t, newReportCmd(), "--mall", "nope", "--biz-no", "1234567890")
	require.Error(t, err)
}

func TestReportRequiresBizNo(t *testing.T) {
	_, err := execute(t, newReportCmd(), "--mall", "coupang")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--biz-no")
}

func TestReportRejectsBadMonth(t *testing.T) {
	_, err := execute(t, newReportCmd(),
		"--mall", "coupang", "--biz-no", "1234567890", "--start", "2026-13", "--end", "2026-06")
	require.Error(t, err)
}

func TestReportRequiresDatabase(t *testing.T) {
	previous := appConfig
	appConfig = config.NewDefaultConfig()
	t.Cleanup(func() { appConfig = previous })

	_, err := execute(t, newReportCmd(), "--mall", "coupang", "--biz-no", "1234567890")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.url")
}
