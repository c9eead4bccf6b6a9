package config

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openkcm/common-sdk/pkg/commoncfg"
)

// MakeConnStr builds a libpq style connection string. The connect
// timeout of the pool settings is carried as connect_timeout so that
// database/sql users honour it as well.
func MakeConnStr(conf Database) (string, error) {
	host, err := commoncfg.LoadValueFromSourceRef(conf.Host)
	if err != nil {
		return "", fmt.Errorf("loading db host: %w", err)
	}

	user, err := commoncfg.LoadValueFromSourceRef(conf.User)
	if err != nil {
		return "", fmt.Errorf("loading db user: %w", err)
	}

	password, err := commoncfg.LoadValueFromSourceRef(conf.Password)
	if err != nil {
		return "", fmt.Errorf("loading db password: %w", err)
	}

	connStr := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s",
		host, user, string(password), conf.Name, conf.Port)

	if secs := int(conf.Pool.ConnectTimeout / time.Second); secs > 0 {
		connStr += fmt.Sprintf(" connect_timeout=%d", secs)
	}

	return connStr, nil
}

// MakePoolConfig returns a pgxpool configuration bounded by the pool
// section of the database config.
func MakePoolConfig(conf Database) (*pgxpool.Config, error) {
	connStr, err := MakeConnStr(conf)
	if err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing pool config: %w", err)
	}

	if conf.Pool.MaxConns > 0 {
		poolCfg.MaxConns = conf.Pool.MaxConns
	}
	if conf.Pool.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = conf.Pool.MaxConnIdleTime
	}
	if conf.Pool.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = conf.Pool.ConnectTimeout
	}

	return poolCfg, nil
}
