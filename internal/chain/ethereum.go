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

package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/abacus-network/relayer/api"
)

// dispatchEventABI is the Dispatch(bytes32,uint32,bytes32,uint32,bytes) event
// an Outbox contract logs for every committed message: origin is implicit in
// the emitting contract, sender, destination and recipient are indexed, and
// the unindexed data carries the nonce and body. The leaf index is not in
// the event; it is assigned by the indexer.
const dispatchEventABI = `[{"anonymous":false,"inputs":[
	{"indexed":true,"name":"sender","type":"bytes32"},
	{"indexed":true,"name":"destination","type":"uint32"},
	{"indexed":true,"name":"recipient","type":"bytes32"},
	{"indexed":false,"name":"nonce","type":"uint32"},
	{"indexed":false,"name":"body","type":"bytes"}
],"name":"Dispatch","type":"event"}]`

const outboxABIJSON = `[
	{"name":"state","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint8"}]}
]`

const inboxABIJSON = `[
	{"name":"acceptableRoot","type":"function","stateMutability":"view","inputs":[{"type":"bytes32"}],"outputs":[{"type":"bool"}]},
	{"name":"messages","type":"function","stateMutability":"view","inputs":[{"type":"bytes32"}],"outputs":[{"type":"uint8"}]}
]`

const ivmABIJSON = `[
	{"name":"process","type":"function","stateMutability":"nonpayable","inputs":[
		{"type":"bytes32","name":"root"},
		{"type":"uint32","name":"index"},
		{"type":"bytes","name":"message"},
		{"type":"bytes32[32]","name":"proof"}
	],"outputs":[]}
]`

// EthereumClient implements Indexer, OutboxContract, InboxContract,
// InboxValidatorManager and GasPaymaster against a single EVM JSON-RPC
// endpoint, using go-ethereum's ethclient and abi packages the way the
// teacher's own signature-recovery code already depends on go-ethereum for
// chain primitives. One EthereumClient is constructed per (origin or
// destination) chain the relayer talks to.
type EthereumClient struct {
	client  *ethclient.Client
	chainID string
	origin  api.Domain
	obs     DurationObserver

	outboxAddr    common.Address
	inboxAddr     common.Address
	ivmAddr       common.Address
	paymasterAddr common.Address

	dispatchEvent abi.ABI
	outboxABI     abi.ABI
	inboxABI      abi.ABI
	ivmABI        abi.ABI

	signer *bind.TransactOpts
}

// EthereumClientConfig addresses every contract an EthereumClient may be
// asked to act as a view over; a process constructs one client per chain
// and only calls the methods that chain's role requires.
type EthereumClientConfig struct {
	ChainName     string
	Origin        api.Domain
	RPCURL        string
	OutboxAddr    common.Address
	InboxAddr     common.Address
	IVMAddr       common.Address
	PaymasterAddr common.Address
	Signer        *bind.TransactOpts
	Obs           DurationObserver
}

// NewEthereumClient dials cfg.RPCURL and parses the fixed ABI fragments this
// client needs.
func NewEthereumClient(ctx context.Context, cfg EthereumClientConfig) (*EthereumClient, error) {
	c, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", cfg.RPCURL, err)
	}

	dispatchEvent, err := abi.JSON(strings.NewReader(dispatchEventABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse Dispatch ABI: %w", err)
	}
	outboxABI, err := abi.JSON(strings.NewReader(outboxABIJSON))
	if err != nil {
		return nil, fmt.Errorf("chain: parse outbox ABI: %w", err)
	}
	inboxABI, err := abi.JSON(strings.NewReader(inboxABIJSON))
	if err != nil {
		return nil, fmt.Errorf("chain: parse inbox ABI: %w", err)
	}
	ivmABI, err := abi.JSON(strings.NewReader(ivmABIJSON))
	if err != nil {
		return nil, fmt.Errorf("chain: parse IVM ABI: %w", err)
	}

	return &EthereumClient{
		client:        c,
		chainID:       cfg.ChainName,
		origin:        cfg.Origin,
		obs:           cfg.Obs,
		outboxAddr:    cfg.OutboxAddr,
		inboxAddr:     cfg.InboxAddr,
		ivmAddr:       cfg.IVMAddr,
		paymasterAddr: cfg.PaymasterAddr,
		dispatchEvent: dispatchEvent,
		outboxABI:     outboxABI,
		inboxABI:      inboxABI,
		ivmABI:        ivmABI,
		signer:        cfg.Signer,
	}, nil
}

// GetBlockNumber implements Indexer.
func (c *EthereumClient) GetBlockNumber(ctx context.Context) (uint64, error) {
	return Call(ctx, c.obs, c.chainID, "eth_blockNumber", func(ctx context.Context) (uint64, error) {
		return c.client.BlockNumber(ctx)
	})
}

// FetchSortedMessages implements Indexer by filtering Dispatch logs in
// [fromBlock, toBlock] and decoding each into a CommittedMessage, in the
// order FilterLogs returns them (ascending block/log index, matching the
// outbox's own append-only ordering). LeafIndex is left unset: assigning it
// against the global accumulator position is the KV-indexing daemon's job,
// not this view over chain state.
func (c *EthereumClient) FetchSortedMessages(ctx context.Context, fromBlock, toBlock uint64) ([]api.CommittedMessage, error) {
	return Call(ctx, c.obs, c.chainID, "eth_getLogs", func(ctx context.Context) ([]api.CommittedMessage, error) {
		query := ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(fromBlock),
			ToBlock:   new(big.Int).SetUint64(toBlock),
			Addresses: []common.Address{c.outboxAddr},
			Topics:    [][]common.Hash{{c.dispatchEvent.Events["Dispatch"].ID}},
		}
		logs, err := c.client.FilterLogs(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("FilterLogs: %w", err)
		}

		out := make([]api.CommittedMessage, 0, len(logs))
		for _, l := range logs {
			var decoded struct {
				Nonce uint32
				Body  []byte
			}
			if err := c.dispatchEvent.UnpackIntoInterface(&decoded, "Dispatch", l.Data); err != nil {
				return nil, fmt.Errorf("unpack Dispatch log at block %d: %w", l.BlockNumber, err)
			}
			if len(l.Topics) < 4 {
				return nil, fmt.Errorf("Dispatch log at block %d missing indexed topics", l.BlockNumber)
			}
			// Topics[0] is the event signature hash; the indexed params
			// (sender, destination, recipient) follow in declaration order.
			var sender, recipient api.Hash256
			copy(sender[:], l.Topics[1][:])
			destination := api.Domain(new(big.Int).SetBytes(l.Topics[2][:]).Uint64())
			copy(recipient[:], l.Topics[3][:])

			out = append(out, api.Message{
				OriginDomain:      c.origin,
				Sender:            sender,
				DestinationDomain: destination,
				Recipient:         recipient,
				Nonce:             decoded.Nonce,
				Body:              decoded.Body,
			})
		}
		return out, nil
	})
}

// State implements OutboxContract.
func (c *EthereumClient) State(ctx context.Context) (api.OutboxState, error) {
	return Call(ctx, c.obs, c.chainID, "outbox.state", func(ctx context.Context) (api.OutboxState, error) {
		data, err := c.outboxABI.Pack("state")
		if err != nil {
			return 0, err
		}
		raw, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &c.outboxAddr, Data: data}, nil)
		if err != nil {
			return 0, err
		}
		var state uint8
		if err := c.outboxABI.UnpackIntoInterface(&state, "state", raw); err != nil {
			return 0, err
		}
		return api.OutboxState(state), nil
	})
}

// MessageByNonce implements OutboxContract. Messages are served from indexed
// KV state (the Indexer is the sole writer of MessagesByLeaf); this client
// does not read them from chain and always returns an error.
func (c *EthereumClient) MessageByNonce(ctx context.Context, destination api.Domain, nonce uint32) (api.CommittedMessage, bool, error) {
	return api.CommittedMessage{}, false, fmt.Errorf("chain: MessageByNonce(%d, %d): not servable without an index; call the KV store first", destination, nonce)
}

// AcceptableRoot implements InboxContract.
func (c *EthereumClient) AcceptableRoot(ctx context.Context, root api.Hash256) (bool, error) {
	return Call(ctx, c.obs, c.chainID, "inbox.acceptableRoot", func(ctx context.Context) (bool, error) {
		data, err := c.inboxABI.Pack("acceptableRoot", [32]byte(root))
		if err != nil {
			return false, err
		}
		raw, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &c.inboxAddr, Data: data}, nil)
		if err != nil {
			return false, err
		}
		var ok bool
		if err := c.inboxABI.UnpackIntoInterface(&ok, "acceptableRoot", raw); err != nil {
			return false, err
		}
		return ok, nil
	})
}

// MessageStatus implements InboxContract.
func (c *EthereumClient) MessageStatus(ctx context.Context, leafHash api.Hash256) (api.MessageStatus, error) {
	return Call(ctx, c.obs, c.chainID, "inbox.messages", func(ctx context.Context) (api.MessageStatus, error) {
		data, err := c.inboxABI.Pack("messages", [32]byte(leafHash))
		if err != nil {
			return api.MessageStatusNone, err
		}
		raw, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &c.inboxAddr, Data: data}, nil)
		if err != nil {
			return api.MessageStatusNone, err
		}
		var status uint8
		if err := c.inboxABI.UnpackIntoInterface(&status, "messages", raw); err != nil {
			return api.MessageStatusNone, err
		}
		return api.MessageStatus(status), nil
	})
}

// processCalldata packs the arguments to InboxValidatorManager.process the
// same way for both EstimateGas and Process, so the two never drift apart.
func (c *EthereumClient) processCalldata(checkpoint api.MultisigSignedCheckpoint, message api.Message, proof api.Proof) ([]byte, error) {
	var path [32][32]byte
	for i, h := range proof.Path {
		path[i] = [32]byte(h)
	}
	return c.ivmABI.Pack("process", [32]byte(checkpoint.Checkpoint.Root), checkpoint.Checkpoint.Index, message.Body, path)
}

// EstimateGas implements InboxValidatorManager.
func (c *EthereumClient) EstimateGas(ctx context.Context, checkpoint api.MultisigSignedCheckpoint, message api.Message, proof api.Proof) (uint64, error) {
	return Call(ctx, c.obs, c.chainID, "ivm.process.estimateGas", func(ctx context.Context) (uint64, error) {
		data, err := c.processCalldata(checkpoint, message, proof)
		if err != nil {
			return 0, err
		}
		var from common.Address
		if c.signer != nil {
			from = c.signer.From
		}
		return c.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &c.ivmAddr, Data: data})
	})
}

// Process implements InboxValidatorManager. It requires a signer to have
// been configured; a read-only EthereumClient can estimate gas and read
// state but cannot submit transactions.
func (c *EthereumClient) Process(ctx context.Context, checkpoint api.MultisigSignedCheckpoint, message api.Message, proof api.Proof) (api.TxOutcome, error) {
	return Call(ctx, c.obs, c.chainID, "ivm.process", func(ctx context.Context) (api.TxOutcome, error) {
		if c.signer == nil {
			return api.TxOutcome{}, fmt.Errorf("chain: no signer configured for %s, cannot submit process()", c.chainID)
		}
		data, err := c.processCalldata(checkpoint, message, proof)
		if err != nil {
			return api.TxOutcome{}, err
		}
		nonce, err := c.client.PendingNonceAt(ctx, c.signer.From)
		if err != nil {
			return api.TxOutcome{}, fmt.Errorf("PendingNonceAt: %w", err)
		}
		gasPrice, err := c.client.SuggestGasPrice(ctx)
		if err != nil {
			return api.TxOutcome{}, fmt.Errorf("SuggestGasPrice: %w", err)
		}
		gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{From: c.signer.From, To: &c.ivmAddr, Data: data})
		if err != nil {
			return api.TxOutcome{}, fmt.Errorf("EstimateGas: %w", err)
		}
		// Pad the estimate with the same 100,000-unit safety margin as the
		// serial submitter's gasSafetyMargin.
		gasLimit += 100_000

		tx := types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &c.ivmAddr,
			Value:    big.NewInt(0),
			Gas:      gasLimit,
			GasPrice: gasPrice,
			Data:     data,
		})
		signedTx, err := c.signer.Signer(c.signer.From, tx)
		if err != nil {
			return api.TxOutcome{}, fmt.Errorf("sign tx: %w", err)
		}
		if err := c.client.SendTransaction(ctx, signedTx); err != nil {
			return api.TxOutcome{}, fmt.Errorf("SendTransaction: %w", err)
		}

		receipt, err := bind.WaitMined(ctx, c.client, signedTx)
		if err != nil {
			return api.TxOutcome{}, fmt.Errorf("WaitMined: %w", err)
		}
		var txID api.Hash256
		copy(txID[:], signedTx.Hash().Bytes())
		return api.TxOutcome{TxID: txID, Executed: receipt.Status == types.ReceiptStatusSuccessful}, nil
	})
}

// IsPaid implements GasPaymaster. It does not read the paymaster contract
// at cfg.PaymasterAddr and always returns an error.
func (c *EthereumClient) IsPaid(ctx context.Context, leafIndex uint32) (bool, error) {
	return false, fmt.Errorf("chain: IsPaid(%d): paymaster contract ABI not wired for %s; see GasPaymentIndexer for the KV-backed fallback", leafIndex, c.chainID)
}
