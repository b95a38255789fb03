package database

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"

	"github.com/splax/localvercel/internal/state"
)

// Prober checks that a database accepts authenticated connections.
type Prober interface {
	Ping(ctx context.Context, host string, rec state.DatabaseRecord) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, host string, rec state.DatabaseRecord) error

// Ping implements Prober.
func (f ProberFunc) Ping(ctx context.Context, host string, rec state.DatabaseRecord) error {
	return f(ctx, host, rec)
}

// NativeProbers returns probers built on each engine's client library.
func NativeProbers() map[string]Prober {
	return map[string]Prober{
		Postgres: ProberFunc(pingPostgres),
		MySQL:    ProberFunc(pingMySQL),
		Redis:    ProberFunc(pingRedis),
	}
}

func pingPostgres(ctx context.Context, host string, rec state.DatabaseRecord) error {
	cfg, err := pgx.ParseConfig("")
	if err != nil {
		return err
	}
	cfg.Host = host
	cfg.Port = uint16(rec.HostPort)
	cfg.User = rec.User
	cfg.Password = rec.Password
	cfg.Database = rec.Database
	cfg.ConnectTimeout = 5 * time.Second
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer conn.Close(context.Background())
	return conn.Ping(ctx)
}

func pingMySQL(ctx context.Context, host string, rec state.DatabaseRecord) error {
	cfg := mysql.NewConfig()
	cfg.User = rec.User
	cfg.Passwd = rec.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(host, strconv.Itoa(rec.HostPort))
	cfg.DBName = rec.Database
	cfg.Timeout = 5 * time.Second
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return fmt.Errorf("mysql config: %w", err)
	}
	db := sql.OpenDB(connector)
	defer db.Close()
	return db.PingContext(ctx)
}

func pingRedis(ctx context.Context, host string, rec state.DatabaseRecord) error {
	client := redis.NewClient(&redis.Options{
		Addr:        net.JoinHostPort(host, strconv.Itoa(rec.HostPort)),
		Password:    rec.Password,
		DialTimeout: 5 * time.Second,
	})
	defer client.Close()
	return client.Ping(ctx).Err()
}
