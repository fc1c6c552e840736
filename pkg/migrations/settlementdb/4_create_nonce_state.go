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
		log.Println("creating nonce_state table...")
		return mghelper.CreateSchema(ctx, db, &requeststore.NonceStateDao{})
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping nonce_state table...")
		return mghelper.DropTables(ctx, db, &requeststore.NonceStateDao{})
	})
}
