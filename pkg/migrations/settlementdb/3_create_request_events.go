package settlementdb

import (
	"context"
	"log"

	mghelper "github.com/chainsafe/offramp-middleware/pkg/pgutil/migrations"
	"github.com/chainsafe/offramp-middleware/pkg/requeststore"

	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		log.Println("creating request_events table...")
		if err := mghelper.CreateSchema(ctx, db, &requeststore.EventDao{}); err != nil {
			return err
		}
		return mghelper.CreateModelIndexes(ctx, db, &requeststore.EventDao{}, "request_id")
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping request_events table...")
		return mghelper.DropTables(ctx, db, &requeststore.EventDao{})
	})
}
