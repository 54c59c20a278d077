package database

import (
	"database/sql"
	"log"
	"sync"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/hoverpay/topup/config"
)

// Package-level singleton so every component shares one connection pool.
var instance *Datasource
var once sync.Once

type Datasource struct {
	Conn *sql.DB
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	return GetDBConnection(configuration)
}

// GetDBConnection provides global access to the datasource and initializes
// it on first use.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		instance = &Datasource{Conn: con}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	if err := db.Ping(); err != nil {
		log.Printf("database connection error: %v", err)
		return nil, errors.Wrap(err, "pinging database")
	}
	if err := createTransactionTable(db); err != nil {
		return nil, errors.Wrap(err, "creating transactions table")
	}
	return db, nil
}

// createTransactionTable creates the recharge transactions table. Columns
// mirror model.Transaction; conditional writes key on (transaction_id,
// status).
func createTransactionTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS transactions (
			id SERIAL PRIMARY KEY,
			transaction_id TEXT NOT NULL UNIQUE,
			idempotency_key TEXT NOT NULL UNIQUE,
			buyer_id TEXT,
			destination_number TEXT NOT NULL,
			requested_amount NUMERIC NOT NULL,
			requested_currency TEXT NOT NULL,
			normalized_amount_usd NUMERIC NOT NULL,
			region_code TEXT NOT NULL,
			payment_method_ref TEXT,
			hold_id TEXT,
			provider_transfer_ref TEXT,
			status TEXT NOT NULL,
			confirmation_deadline TIMESTAMP,
			failure_reason TEXT,
			retry_count INT NOT NULL DEFAULT 0,
			manual_action_flag BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			meta_data JSONB
		)
	`)
	if err != nil {
		log.Printf("Error creating transactions table: %v", err)
	}
	return err
}
