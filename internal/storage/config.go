package storage

import (
	"fmt"
	"github.com/jackc/pgx/v4/pgxpool"
	"time"
)

// Config defines fields used for connecting to postgres, parsed from environment variables
type Config struct {
	User     string `env:"PG_USER" envDefault:"postgres"`
	Password string `env:"PG_PASSWORD" envDefault:"postgres"`
	Host     string `env:"PG_HOST" envDefault:"localhost"`
	Port     uint16 `env:"PG_PORT" envDefault:"5432"`
	DBName   string `env:"PG_DBNAME" envDefault:"barmatch"`
}

// DSN returns keyword/value connection string for pgx
func (c Config) DSN() string {
	return fmt.Sprintf("user=%s password=%s host=%s port=%d dbname=%s sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.DBName)
}

// Option alters the default configuration of the pgxpool.Config used during new Store construction
type Option interface {
	apply(*pgxpool.Config)
}

type optionFunc func(c *pgxpool.Config)

func (f optionFunc) apply(c *pgxpool.Config) { f(c) }

// ConnectionTimeout sets timeout for connection to be established
func ConnectionTimeout(d time.Duration) Option {
	return optionFunc(func(c *pgxpool.Config) {
		c.ConnConfig.ConnectTimeout = d
	})
}

// MaxConns caps the pool size. One connection per LISTEN subscription is held outside of queries.
func MaxConns(n int32) Option {
	return optionFunc(func(c *pgxpool.Config) {
		c.MaxConns = n
	})
}
