package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/candilingo/seatledger/internal/adapter/storage"
	"github.com/candilingo/seatledger/internal/port"
)

type StoreFlags struct {
	Ledger  string `help:"Seat ledger store." default:"memory" enum:"memory,mysql,postgres,redis" env:"SEATLEDGER_STORE_LEDGER"`
	Members string `help:"Membership store." default:"memory" enum:"memory,mysql,postgres" env:"SEATLEDGER_STORE_MEMBERS"`
	Migrate bool   `help:"Apply embedded schema migrations on startup." env:"SEATLEDGER_STORE_MIGRATE"`

	MySQLDSN    string `name:"mysql-dsn" help:"MySQL DSN." default:"root:root@tcp(localhost:3306)/seatledger?parseTime=true" env:"MYSQL_DSN"`
	PostgresURL string `name:"postgres-url" help:"PostgreSQL connection string." env:"POSTGRES_CONNECTION_STRING"`
	RedisAddr   string `help:"Redis address." default:"localhost:6379" env:"REDIS_ADDR"`

	IdempotencyTTL time.Duration `help:"How long the Redis ledger remembers purchase idempotency keys, 0 keeps them forever." default:"0s" env:"SEATLEDGER_IDEMPOTENCY_TTL"`
}

func (s *StoreFlags) Validate() error {
	if (s.Ledger == "postgres" || s.Members == "postgres") && s.PostgresURL == "" {
		return errors.New("PostgreSQL connection string is required (--store-postgres-url or POSTGRES_CONNECTION_STRING)")
	}
	return nil
}

type stores struct {
	ledger  port.LedgerRepository
	members port.MembershipRepository
	closers []func()
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

type migrator interface {
	Migrate(ctx context.Context) error
}

// openStores connects each backend once, even when it serves both the ledger and memberships.
func openStores(ctx context.Context, flags StoreFlags) (*stores, error) {
	log := zerolog.Ctx(ctx)
	s := &stores{}

	var (
		mysqlAdapter    *storage.MySQLAdapter
		postgresAdapter *storage.PostgresAdapter
		migrators       []migrator
	)
	uses := func(kind string) bool { return flags.Ledger == kind || flags.Members == kind }

	if uses("mysql") {
		db, err := sql.Open("mysql", flags.MySQLDSN)
		if err != nil {
			return nil, fmt.Errorf("open mysql: %w", err)
		}
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping mysql: %w", err)
		}
		s.closers = append(s.closers, func() { db.Close() })
		mysqlAdapter = storage.NewMySQLAdapter(db)
		migrators = append(migrators, mysqlAdapter)
		log.Info().Msg("connected to mysql")
	}

	if uses("postgres") {
		pool, err := storage.NewPool(ctx, storage.PoolConfig{ConnString: flags.PostgresURL})
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, pool.Close)
		postgresAdapter = storage.NewPostgresAdapter(pool)
		migrators = append(migrators, postgresAdapter)
		log.Info().Msg("connected to postgres")
	}

	if flags.Migrate {
		for _, m := range migrators {
			if err := m.Migrate(ctx); err != nil {
				s.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		log.Info().Msg("migrations applied")
	}

	switch flags.Ledger {
	case "mysql":
		s.ledger = mysqlAdapter
	case "postgres":
		s.ledger = postgresAdapter
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: flags.RedisAddr, PoolSize: 100})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			s.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		s.closers = append(s.closers, func() { rdb.Close() })
		s.ledger = storage.NewRedisLedger(rdb, flags.IdempotencyTTL)
		log.Info().Msg("connected to redis")
	default:
		s.ledger = storage.NewMemoryLedger()
	}

	switch flags.Members {
	case "mysql":
		s.members = mysqlAdapter
	case "postgres":
		s.members = postgresAdapter
	default:
		s.members = storage.NewMemoryMembership()
	}

	log.Info().Str("ledger", flags.Ledger).Str("members", flags.Members).Msg("stores ready")
	return s, nil
}
