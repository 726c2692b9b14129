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

// relayer is the Abacus cross-chain message relayer: it reads the committed
// messages of a single origin chain that an external indexer has written to
// its KV store, builds inclusion proofs against a
// Merkle accumulator, waits for validator-signed checkpoints to reach
// quorum, and submits proven messages to every configured destination's
// Inbox.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/url"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/ethereum/go-ethereum/common"
	"k8s.io/klog/v2"

	"github.com/abacus-network/relayer/api"
	"github.com/abacus-network/relayer/checkpointstore"
	"github.com/abacus-network/relayer/checkpointstore/gcs"
	"github.com/abacus-network/relayer/checkpointstore/local"
	"github.com/abacus-network/relayer/checkpointstore/s3"
	"github.com/abacus-network/relayer/db"
	"github.com/abacus-network/relayer/internal/agent"
	"github.com/abacus-network/relayer/internal/chain"
	"github.com/abacus-network/relayer/internal/checkpointfetcher"
	"github.com/abacus-network/relayer/internal/config"
	"github.com/abacus-network/relayer/internal/metrics"
	"github.com/abacus-network/relayer/internal/multisig"
	"github.com/abacus-network/relayer/internal/processor"
	"github.com/abacus-network/relayer/internal/proversync"
	"github.com/abacus-network/relayer/internal/submitter"
)

var (
	configPath        = flag.String("config", "", "Path to the relayer's JSON destinations/validators file")
	mysqlURI          = flag.String("mysql_uri", "", "Connection string for the relayer's MySQL KV store; the -config file has no MySQL setting")
	dbConnMaxLifetime = flag.Duration("db_conn_max_lifetime", 3*time.Minute, "")
	dbMaxOpenConns    = flag.Int("db_max_open_conns", 64, "")
	dbMaxIdleConns    = flag.Int("db_max_idle_conns", 64, "")
	serviceName       = flag.String("service_name", "abacus-relayer", "Service name reported to the metrics sink")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		klog.Exitf("relayer: %v", err)
	}
}

func run(ctx context.Context) error {
	if *configPath == "" {
		return fmt.Errorf("-config is required")
	}
	opts, err := config.LoadFile(config.NewOptions(), *configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *mysqlURI != "" {
		opts.WithMySQL(*mysqlURI)
	}
	if err := opts.Valid(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	shutdownMetrics, err := metrics.Init(ctx, *serviceName)
	if err != nil {
		return fmt.Errorf("metrics.Init: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdownMetrics(sctx); err != nil {
			klog.Errorf("metrics shutdown: %v", err)
		}
	}()
	m := metrics.New(metrics.Meter())

	kv, err := newKV(ctx, opts)
	if err != nil {
		return fmt.Errorf("newKV: %w", err)
	}

	syncer, err := newMultisigSyncer(ctx, opts)
	if err != nil {
		return fmt.Errorf("newMultisigSyncer: %w", err)
	}
	fetcher := checkpointfetcher.New(syncer, opts.CheckpointFetchInterval())

	// The origin chain's Indexer (whatever writes FetchSortedMessages'
	// output into kv as WriteMessage calls) is an external collaborator: it
	// runs as its own process against opts.OriginRPCURL() and this same KV
	// store. This process only consumes what it leaves behind.

	sup := agent.New()
	prover := proversync.New(kv, opts.ProverSyncInterval(), m)
	sup.Add("proversync", prover.Run)
	sup.Add("checkpointfetcher", fetcher.Run)

	for _, d := range opts.Destinations() {
		d := d
		destClient, err := chain.NewEthereumClient(ctx, chain.EthereumClientConfig{
			ChainName:     fmt.Sprintf("dest-%d", d.Domain),
			Origin:        opts.OriginDomain(),
			RPCURL:        d.RPCURL,
			InboxAddr:     common.HexToAddress(d.InboxAddress),
			IVMAddr:       common.HexToAddress(d.IVMAddress),
			PaymasterAddr: common.HexToAddress(d.PaymasterAddress),
			Obs:           m,
		})
		if err != nil {
			return fmt.Errorf("construct chain client for destination %d: %w", d.Domain, err)
		}

		filter, err := buildFilter(d)
		if err != nil {
			return fmt.Errorf("destination %d filter: %w", d.Domain, err)
		}

		ops := make(chan processor.SubmitMessageOp, 256)
		proc, err := processor.New(processor.Config{
			KV:          kv,
			Destination: d.Domain,
			Inbox:       destClient,
			Checkpoints: fetcher,
			Proofs:      prover,
			Filter:      filter,
			Submit:      ops,
			Interval:    opts.ProcessorInterval(),
			Metrics:     m,
			IndexOnly:   d.IndexOnly,
		})
		if err != nil {
			return fmt.Errorf("construct processor for destination %d: %w", d.Domain, err)
		}
		sup.Add(fmt.Sprintf("processor-%d", d.Domain), proc.Run)

		var gasPayments db.GasPaymentStore
		if d.RequireGasPayment {
			gasPayments = kv
			sup.Add(fmt.Sprintf("gaspayment-%d", d.Domain),
				submitter.NewGasPaymentIndexer(kv, kv, destClient, opts.ProcessorInterval()).Run)
		}

		if d.UseHostedRelay {
			return fmt.Errorf("destination %d: use_hosted_relay requires a RelayClient binding, which has no concrete implementation wired in cmd/relayer; configure a Serial destination instead", d.Domain)
		}
		sub := submitter.New(submitter.Config{
			KV:          kv,
			Destination: d.Domain,
			Inbox:       destClient,
			IVM:         destClient,
			Checkpoints: fetcher,
			Proofs:      prover,
			Ops:         ops,
			Metrics:     m,
			GasPayments: gasPayments,
		})
		sup.Add(fmt.Sprintf("submitter-%d", d.Domain), sub.Run)
	}

	return sup.Run(ctx)
}

// newKV opens the MySQL KV store, applying the db_* connection-pool tuning
// flags.
func newKV(ctx context.Context, opts *config.Options) (*db.Store, error) {
	sqlDB, err := sql.Open("mysql", opts.MySQLURI())
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	sqlDB.SetConnMaxLifetime(*dbConnMaxLifetime)
	sqlDB.SetMaxOpenConns(*dbMaxOpenConns)
	sqlDB.SetMaxIdleConns(*dbMaxIdleConns)

	return db.New(ctx, sqlDB)
}

// newMultisigSyncer constructs one checkpointstore.Store per validator,
// selecting the backend implementation from the URI scheme of its
// checkpoint_uri (local filesystem paths have no scheme).
func newMultisigSyncer(ctx context.Context, opts *config.Options) (*multisig.Syncer, error) {
	backends := make(map[common.Address]checkpointstore.Store, len(opts.Validators()))
	for _, v := range opts.Validators() {
		store, err := newCheckpointStore(ctx, v.CheckpointURI)
		if err != nil {
			return nil, fmt.Errorf("validator %s: %w", v.Address, err)
		}
		backends[common.HexToAddress(v.Address)] = store
	}
	return multisig.New(backends, opts.QuorumThreshold())
}

func newCheckpointStore(ctx context.Context, uri string) (checkpointstore.Store, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse checkpoint_uri %q: %w", uri, err)
	}
	switch u.Scheme {
	case "s3":
		return s3.New(ctx, u.Host, "")
	case "gs":
		return gcs.New(ctx, u.Host)
	case "", "file":
		return local.New(u.Path)
	default:
		return nil, fmt.Errorf("checkpoint_uri %q: unsupported scheme %q", uri, u.Scheme)
	}
}

// buildFilter translates a destination's allow/denylist, both hex-encoded
// 32-byte sender identifiers, into a processor.Filter.
func buildFilter(d config.DestinationConfig) (processor.Filter, error) {
	f := processor.Filter{}
	if len(d.AllowedSenders) > 0 {
		f.Allowed = map[api.Hash256]bool{}
		for _, s := range d.AllowedSenders {
			h, err := parseHash256(s)
			if err != nil {
				return f, err
			}
			f.Allowed[h] = true
		}
	}
	if len(d.DeniedSenders) > 0 {
		f.Denied = map[api.Hash256]bool{}
		for _, s := range d.DeniedSenders {
			h, err := parseHash256(s)
			if err != nil {
				return f, err
			}
			f.Denied[h] = true
		}
	}
	return f, nil
}

func parseHash256(s string) (api.Hash256, error) {
	var out api.Hash256
	s = strings.TrimPrefix(s, "0x")
	b := common.FromHex("0x" + s)
	if len(b) != 32 {
		return out, fmt.Errorf("sender %q: want 32 bytes, got %d", s, len(b))
	}
	copy(out[:], b)
	return out, nil
}
