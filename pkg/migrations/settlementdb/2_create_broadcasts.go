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
		log.Println("creating broadcasts table...")
		if err := mghelper.CreateSchema(ctx, db, &requeststore.BroadcastDao{}); err != nil {
			return err
		}
		if err := mghelper.CreateModelIndexes(ctx, db, &requeststore.BroadcastDao{}, "request_id", "status"); err != nil {
			return err
		}
		return mghelper.CreateModelUniqueIndexes(ctx, db, &requeststore.BroadcastDao{}, "tx_hash")
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping broadcasts table...")
		return mghelper.DropTables(ctx, db, &requeststore.BroadcastDao{})
	})
}
