package settlementdb

import (
	"context"
	"log"

	"github.com/chainsafe/offramp-middleware/pkg/offramp"
	mghelper "github.com/chainsafe/offramp-middleware/pkg/pgutil/migrations"
	"github.com/chainsafe/offramp-middleware/pkg/requeststore"

	"github.com/uptrace/bun"
)

// A user and a deposit address may each belong to at most one live request.
var terminalStatuses = []string{string(offramp.StatusPaid), string(offramp.StatusFailed)}

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		log.Println("creating offramp_requests table...")
		model := &requeststore.RequestDao{}
		if err := mghelper.CreateSchema(ctx, db, model); err != nil {
			return err
		}
		if err := mghelper.CreateModelIndexes(ctx, db, model,
			"status", "deposit_address", "user_identifier", "updated_at"); err != nil {
			return err
		}
		if err := mghelper.CreatePartialUniqueIndex(ctx, db, model,
			"idx_offramp_requests_active_user", "user_identifier", terminalStatuses...); err != nil {
			return err
		}
		return mghelper.CreatePartialUniqueIndex(ctx, db, model,
			"idx_offramp_requests_active_deposit_address", "deposit_address", terminalStatuses...)
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping offramp_requests table...")
		return mghelper.DropTables(ctx, db, &requeststore.RequestDao{})
	})
}
