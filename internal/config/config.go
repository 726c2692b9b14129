// Copyright 2024 The Tessera authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the relayer's static configuration: one Options
// value built from flags plus a JSON file describing the set of
// destinations to serve, following the same WithX-chained-mutator shape
// Tessera's own AppendOptions uses.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/abacus-network/relayer/api"
)

const (
	// DefaultProcessorInterval is how often each destination's
	// MessageProcessor polls its cursor when no override is configured.
	DefaultProcessorInterval = 5 * time.Second
	// DefaultProverSyncInterval is how often ProverSync polls for the next
	// leaf when no override is configured.
	DefaultProverSyncInterval = 2 * time.Second
	// DefaultCheckpointFetchInterval is how often the checkpoint fetcher
	// polls validator backends when no override is configured.
	DefaultCheckpointFetchInterval = 10 * time.Second
)

// ValidatorConfig names one validator in a quorum: the address it signs
// with, and where its signed checkpoints can be fetched from.
type ValidatorConfig struct {
	Address      string `json:"address"`
	CheckpointURI string `json:"checkpoint_uri"`
}

// DestinationConfig describes one destination chain this relayer serves.
type DestinationConfig struct {
	Domain    api.Domain `json:"domain"`
	RPCURL    string     `json:"rpc_url"`
	IndexOnly bool       `json:"index_only"`

	InboxAddress     string `json:"inbox_address"`
	IVMAddress       string `json:"ivm_address"`
	PaymasterAddress string `json:"paymaster_address,omitempty"`

	// AllowedSenders/DeniedSenders are mutually exclusive; see
	// internal/processor.Filter.
	AllowedSenders []string `json:"allowed_senders,omitempty"`
	DeniedSenders  []string `json:"denied_senders,omitempty"`

	// UseHostedRelay selects internal/submitter.Relay over Serial for this
	// destination.
	UseHostedRelay bool `json:"use_hosted_relay,omitempty"`

	// RequireGasPayment gates submission on internal/submitter's optional
	// gas-payment precondition.
	RequireGasPayment bool `json:"require_gas_payment,omitempty"`
}

// Options holds the relayer's fully resolved configuration. Use
// NewOptions and the WithX methods to build one; do not construct this
// struct directly from outside the package.
type Options struct {
	originDomain     api.Domain
	originRPCURL     string
	originOutboxAddr string

	mysqlURI string

	validators       []ValidatorConfig
	quorumThreshold  int

	destinations []DestinationConfig

	processorInterval       time.Duration
	proverSyncInterval      time.Duration
	checkpointFetchInterval time.Duration

	checkpointStoreDir string
}

// NewOptions returns an Options populated with every default, with no
// origin, no validators and no destinations configured; callers must set
// those via the WithX methods before calling Valid.
func NewOptions() *Options {
	return &Options{
		processorInterval:       DefaultProcessorInterval,
		proverSyncInterval:      DefaultProverSyncInterval,
		checkpointFetchInterval: DefaultCheckpointFetchInterval,
	}
}

// WithOrigin sets the single origin chain this process indexes.
func (o *Options) WithOrigin(domain api.Domain, rpcURL, outboxAddr string) *Options {
	o.originDomain = domain
	o.originRPCURL = rpcURL
	o.originOutboxAddr = outboxAddr
	return o
}

// WithMySQL points the KV store at a MySQL database.
func (o *Options) WithMySQL(uri string) *Options {
	o.mysqlURI = uri
	return o
}

// WithValidators sets the validator quorum: every backend to fetch signed
// checkpoints from, and the number of agreeing signatures required.
func (o *Options) WithValidators(validators []ValidatorConfig, threshold int) *Options {
	o.validators = validators
	o.quorumThreshold = threshold
	return o
}

// WithDestinations sets the destinations this process serves.
func (o *Options) WithDestinations(destinations []DestinationConfig) *Options {
	o.destinations = destinations
	return o
}

// WithIntervals overrides the default poll intervals for ProverSync, each
// destination's MessageProcessor, and the checkpoint fetcher. A zero value
// leaves the corresponding default untouched.
func (o *Options) WithIntervals(processor, proverSync, checkpointFetch time.Duration) *Options {
	if processor > 0 {
		o.processorInterval = processor
	}
	if proverSync > 0 {
		o.proverSyncInterval = proverSync
	}
	if checkpointFetch > 0 {
		o.checkpointFetchInterval = checkpointFetch
	}
	return o
}

// WithLocalCheckpointStore records a directory for the local checkpoint
// store variant. cmd/relayer does not read it: it picks each validator's
// backend, local or not, from that validator's checkpoint_uri.
func (o *Options) WithLocalCheckpointStore(dir string) *Options {
	o.checkpointStoreDir = dir
	return o
}

// Valid returns an error if Options has any invalid combination of fields
// set, following the same validation-before-use contract as
// AppendOptions.valid in the storage layer this was modeled on.
func (o Options) Valid() error {
	if o.originRPCURL == "" {
		return errors.New("invalid config: WithOrigin must be set")
	}
	if o.mysqlURI == "" {
		return errors.New("invalid config: WithMySQL must be set")
	}
	if len(o.validators) == 0 {
		return errors.New("invalid config: WithValidators must be set")
	}
	if o.quorumThreshold < 1 || o.quorumThreshold > len(o.validators) {
		return fmt.Errorf("invalid config: quorum threshold %d must be between 1 and %d validators", o.quorumThreshold, len(o.validators))
	}
	if len(o.destinations) == 0 {
		return errors.New("invalid config: WithDestinations must be set")
	}
	seen := map[api.Domain]bool{}
	for _, d := range o.destinations {
		if seen[d.Domain] {
			return fmt.Errorf("invalid config: duplicate destination domain %d", d.Domain)
		}
		seen[d.Domain] = true
		if len(d.AllowedSenders) > 0 && len(d.DeniedSenders) > 0 {
			return fmt.Errorf("invalid config: destination %d sets both allowed_senders and denied_senders", d.Domain)
		}
	}
	return nil
}

func (o Options) OriginDomain() api.Domain              { return o.originDomain }
func (o Options) OriginRPCURL() string                  { return o.originRPCURL }
func (o Options) OriginOutboxAddress() string           { return o.originOutboxAddr }
func (o Options) MySQLURI() string                       { return o.mysqlURI }
func (o Options) Validators() []ValidatorConfig          { return o.validators }
func (o Options) QuorumThreshold() int                   { return o.quorumThreshold }
func (o Options) Destinations() []DestinationConfig       { return o.destinations }
func (o Options) ProcessorInterval() time.Duration        { return o.processorInterval }
func (o Options) ProverSyncInterval() time.Duration        { return o.proverSyncInterval }
func (o Options) CheckpointFetchInterval() time.Duration   { return o.checkpointFetchInterval }
func (o Options) LocalCheckpointStoreDir() string          { return o.checkpointStoreDir }

// fileConfig is the on-disk JSON shape loaded by LoadFile; cmd/relayer flags
// fill in the pieces (the MySQL URI and its pool settings) that don't belong in
// a file checked into a repo alongside validator addresses.
type fileConfig struct {
	OriginDomain       api.Domain          `json:"origin_domain"`
	OriginRPCURL       string              `json:"origin_rpc_url"`
	OriginOutboxAddress string             `json:"origin_outbox_address"`
	Validators         []ValidatorConfig   `json:"validators"`
	QuorumThreshold    int                 `json:"quorum_threshold"`
	Destinations       []DestinationConfig `json:"destinations"`
}

// LoadFile reads a JSON destinations/validators file at path and applies it
// to o, returning o for chaining with any further WithX calls (e.g.
// WithMySQL, sourced from a flag rather than the file).
func LoadFile(o *Options, path string) (*Options, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var fc fileConfig
	if err := json.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	o.WithOrigin(fc.OriginDomain, fc.OriginRPCURL, fc.OriginOutboxAddress)
	o.WithValidators(fc.Validators, fc.QuorumThreshold)
	o.WithDestinations(fc.Destinations)
	return o, nil
}
