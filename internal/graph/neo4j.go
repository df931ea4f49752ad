// Package graph maps crawled file batches onto a Neo4j directory tree:
// (:Website)-[:CONTAINS]->(:Directory)-[:CONTAINS]->(:File).
package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// SessionRunner is the write side of neo4j.SessionWithContext.
type SessionRunner interface {
	ExecuteWrite(ctx context.Context, work neo4j.ManagedTransactionWork, configurers ...func(*neo4j.TransactionConfig)) (any, error)
	Close(ctx context.Context) error
}

// DriverSessioner opens write sessions; *Driver wraps the real driver.
type DriverSessioner interface {
	NewSession(ctx context.Context, config neo4j.SessionConfig) SessionRunner
	Close(ctx context.Context) error
}

// Driver adapts neo4j.DriverWithContext to DriverSessioner.
type Driver struct {
	driver neo4j.DriverWithContext
}

// NewDriver connects with basic auth and verifies the server is reachable.
func NewDriver(ctx context.Context, uri, user, password string) (*Driver, error) {
	d, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := d.VerifyConnectivity(ctx); err != nil {
		_ = d.Close(ctx)
		return nil, fmt.Errorf("verify neo4j connectivity: %w", err)
	}
	return &Driver{driver: d}, nil
}

func (d *Driver) NewSession(ctx context.Context, config neo4j.SessionConfig) SessionRunner {
	return d.driver.NewSession(ctx, config)
}

func (d *Driver) Close(ctx context.Context) error {
	return d.driver.Close(ctx)
}

// Statement is one parameterised Cypher query.
type Statement struct {
	Query  string
	Params map[string]any
}

// WriteAll runs stmts in order inside a single write transaction, so a batch
// lands completely or not at all.
func WriteAll(ctx context.Context, driver DriverSessioner, stmts []Statement) (err error) {
	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer func() {
		if cerr := session.Close(ctx); cerr != nil && err == nil {
			err = fmt.Errorf("close session: %w", cerr)
		}
	}()

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, s := range stmts {
			if _, err := tx.Run(ctx, s.Query, s.Params); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return err
}
