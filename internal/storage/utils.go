package storage

import "github.com/pkg/errors"

func InitStore(dbConnStr string) (*PostgresStore, error) {
	if dbConnStr == "" {
		return nil, errors.New("database connection string is empty")
	}
	store, err := NewPostgresStore(dbConnStr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}
	return store, nil
}
