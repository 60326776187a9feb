// File: cmd/report.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/storelink-cli/api/schemas"
	"github.com/xkilldash9x/storelink-cli/internal/observability"
	"github.com/xkilldash9x/storelink-cli/internal/portal"
	"github.com/xkilldash9x/storelink-cli/internal/store"
)

// newReportCmd creates and configures the `report` command. It reads
// previously collected VAT declarations from the database; use
// `link --vat` to collect fresh ones.
func newReportCmd() *cobra.Command {
	var (
		mall     string
		bizNo    string
		startYM  string
		endYM    string
		userID   string
		password string
	)

	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Prints VAT reports for a linked account",
		Long: `Report prints previously collected VAT declarations from the database.
With --user-id and --password it instead logs into the portal and
collects the reports fresh, like link --vat but without provisioning
persistence side effects beyond the declares themselves.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			family, err := schemas.ParseFamily(mall)
			if err != nil {
				return err
			}
			if bizNo == "" {
				return fmt.Errorf("--biz-no is required")
			}

			if startYM == "" || endYM == "" {
				startYM, endYM = portal.DefaultRange(time.Now())
			}
			if startYM, err = portal.NormalizeYM(startYM); err != nil {
				return err
			}
			if endYM, err = portal.NormalizeYM(endYM); err != nil {
				return err
			}

			if userID != "" {
				return fetchReports(ctx, schemas.LinkRequest{
					Mall:       mall,
					UserID:     userID,
					Password:   password,
					BizNo:      bizNo,
					IncludeVat: true,
					StartYM:    startYM,
					EndYM:      endYM,
				})
			}

			if appConfig.Database().URL == "" {
				return fmt.Errorf("report requires database.url (STORELINK_DATABASE_URL)")
			}
			pool, err := pgxpool.New(ctx, appConfig.Database().URL)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer pool.Close()

			dbStore, err := store.New(ctx, pool, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize store: %w", err)
			}

			reports, err := dbStore.VatDeclares(ctx, family, bizNo, startYM, endYM)
			if err != nil {
				return err
			}
			if len(reports) == 0 {
				fmt.Printf("No VAT reports for %s %s in %s..%s\n", family, bizNo, startYM, endYM)
				return nil
			}
			printReports(reports, nil)
			return nil
		},
	}

	reportCmd.Flags().StringVarP(&mall, "mall", "m", "", "portal the reports were collected from")
	reportCmd.Flags().StringVarP(&bizNo, "biz-no", "b", "", "business registration number of the linked account")
	reportCmd.Flags().StringVar(&startYM, "start", "", "first report month, YYYY-MM or YYYYMM (default: current half year)")
	reportCmd.Flags().StringVar(&endYM, "end", "", "last report month, YYYY-MM or YYYYMM (default: current half year)")
	reportCmd.Flags().StringVarP(&userID, "user-id", "u", "", "portal login id; triggers a fresh collection instead of a database read")
	reportCmd.Flags().StringVarP(&password, "password", "p", "", "portal login password (or STORELINK_PORTAL_PASSWORD)")

	return reportCmd
}

// fetchReports runs a full link with VAT collection and prints the
// returned declares.
func fetchReports(ctx context.Context, req schemas.LinkRequest) error {
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

	res, err := components.Runner.Run(ctx, req)
	if err != nil {
		return err
	}
	if res.Vat == nil {
		return fmt.Errorf("collection finished with status %s", res.Status)
	}
	printReports(res.Vat.Reports, res.Vat.Errors)
	return nil
}

func printReports(reports []schemas.VatReport, partialErrors []string) {
	for _, r := range reports {
		fmt.Printf("%s  %s (%s)\n", r.YM, r.StoreName, r.StoreID)
		for field, amount := range r.Amounts {
			fmt.Printf("    %-40s %d\n", field, amount)
		}
	}
	for _, e := range partialErrors {
		fmt.Printf("partial failure: %s\n", e)
	}
}
