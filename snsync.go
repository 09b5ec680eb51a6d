// Package snsync is a declarative reconciliation client for a ServiceNow
// style CMDB. Callers describe desired state (tables, columns, choice
// lists, data policies, relationships, row sets) and snsync converges the
// remote instance to match it.
//
// The package is a thin aggregate over the building blocks: client (the
// request gateway), table (shape reconciliation), and deltamerge (row
// reconciliation). Construct one Sync per instance and share it; all
// components are safe for concurrent use.
package snsync

import (
	"github.com/datamart/snsync/client"
	"github.com/datamart/snsync/config"
	"github.com/datamart/snsync/deltamerge"
	"github.com/datamart/snsync/table"
)

// Sync bundles a client with its reconcilers.
type Sync struct {
	Client *client.Client
	Tables *table.Reconciler
	Rows   *deltamerge.Merger
}

// New builds a Sync from configuration. With the sentinel dev instance and
// no credentials, traffic goes to an in-process fake instance.
func New(cfg *config.Config, opts ...client.Option) (*Sync, error) {
	c, err := client.New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	tables := table.New(c)
	return &Sync{
		Client: c,
		Tables: tables,
		Rows:   deltamerge.New(c, tables.Policy()),
	}, nil
}

// Load reads configuration from a YAML file (plus environment overrides)
// and builds a Sync.
func Load(path string, opts ...client.Option) (*Sync, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return New(cfg, opts...)
}

// Close releases client-owned resources.
func (s *Sync) Close() { s.Client.Close() }
