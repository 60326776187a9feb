// File: cmd/link.go
package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/storelink-cli/api/schemas"
	"github.com/xkilldash9x/storelink-cli/internal/observability"
)

// newLinkCmd creates and configures the `link` command.
func newLinkCmd() *cobra.Command {
	var req schemas.LinkRequest

	linkCmd := &cobra.Command{
		Use:   "link",
		Short: "Links one seller portal account end to end",
		Long: `Link runs a complete portal link: login with MFA, business number
verification, sub account provisioning, and optionally the half-year
VAT reports. Verification codes arrive through the serve relay or the
configured mailbox.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			if req.Password == "" {
				req.Password = os.Getenv("STORELINK_PORTAL_PASSWORD")
			}
			if err := req.Validate(); err != nil {
				return err
			}

			components, err := initializeComponents(ctx, appConfig, logger)
			if err != nil {
				components.Shutdown()
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			logger.Info("Starting link run",
				zap.String("mall", req.Mall),
				zap.String("userId", req.UserID),
			)
			res, err := components.Runner.Run(ctx, req)
			if err != nil {
				return err
			}

			printLinkResult(cmd.OutOrStdout(), res)
			if res.Status != schemas.StatusCompleted {
				return fmt.Errorf("link finished with status %s", res.Status)
			}
			return nil
		},
	}

	linkCmd.Flags().StringVarP(&req.Mall, "mall", "m", "", "portal to link: coupang, smartstore, or smartplace")
	linkCmd.Flags().StringVarP(&req.UserID, "user-id", "u", "", "portal login id")
	linkCmd.Flags().StringVarP(&req.Password, "password", "p", "", "portal login password (or STORELINK_PORTAL_PASSWORD)")
	linkCmd.Flags().StringVarP(&req.BizNo, "biz-no", "b", "", "business registration number the account must match")
	linkCmd.Flags().StringVar(&req.SubAccountName, "sub-account-name", "", "display name for the provisioned sub account")
	linkCmd.Flags().StringVar(&req.SubAccountPhone, "sub-account-phone", "", "phone number for the provisioned sub account")
	linkCmd.Flags().BoolVar(&req.IncludeVat, "vat", false, "also collect half-year VAT reports")
	linkCmd.Flags().StringVar(&req.StartYM, "start", "", "first report month, YYYY-MM or YYYYMM (default: current half year)")
	linkCmd.Flags().StringVar(&req.EndYM, "end", "", "last report month, YYYY-MM or YYYYMM (default: current half year)")

	return linkCmd
}

func printLinkResult(out io.Writer, res *schemas.RunResult) {
	fmt.Fprintf(out, "\nLink finished. Run ID: %s\n", res.RunID)
	fmt.Fprintf(out, "Status: %s\n", res.Status)
	if res.SubAccount != nil {
		fmt.Fprintf(out, "Sub account: %s (slot %d)\n", res.SubAccount.Username, res.SubAccount.Slot.Index)
	}
	if res.Vat != nil {
		fmt.Fprintf(out, "VAT reports: %d\n", len(res.Vat.Reports))
		for _, e := range res.Vat.Errors {
			fmt.Fprintf(out, "  partial failure: %s\n", e)
		}
	}
}
