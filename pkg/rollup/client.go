// Copyright 2025 Intmax Protocol
//
// JSON-RPC contract client. Wraps the rollup, liquidity and withdrawal
// contracts behind the interfaces in contract.go: typed calls for the
// getters, signed transactions for block posting, and log filtering for
// the three event streams.

package rollup

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/InternetMaximalism/intmax2-core/pkg/types"
)

// =============================================================================
// ABI Definitions
// =============================================================================

const rollupABIJSON = `[
	{"type":"function","name":"getLatestBlockNumber","inputs":[],"outputs":[{"name":"","type":"uint32"}],"stateMutability":"view"},
	{"type":"function","name":"getBlockHash","inputs":[{"name":"blockNumber","type":"uint32"}],"outputs":[{"name":"","type":"bytes32"}],"stateMutability":"view"},
	{"type":"function","name":"getNextDepositIndex","inputs":[],"outputs":[{"name":"","type":"uint32"}],"stateMutability":"view"},
	{"type":"function","name":"postRegistrationBlock","inputs":[
		{"name":"txTreeRoot","type":"bytes32"},
		{"name":"expiry","type":"uint64"},
		{"name":"blockBuilderNonce","type":"uint32"},
		{"name":"senderFlag","type":"bytes16"},
		{"name":"aggregatedPublicKey","type":"bytes32[2]"},
		{"name":"aggregatedSignature","type":"bytes32[4]"},
		{"name":"messagePoint","type":"bytes32[4]"},
		{"name":"senderPublicKeys","type":"uint256[]"}
	],"outputs":[],"stateMutability":"payable"},
	{"type":"function","name":"postNonRegistrationBlock","inputs":[
		{"name":"txTreeRoot","type":"bytes32"},
		{"name":"expiry","type":"uint64"},
		{"name":"blockBuilderNonce","type":"uint32"},
		{"name":"senderFlag","type":"bytes16"},
		{"name":"aggregatedPublicKey","type":"bytes32[2]"},
		{"name":"aggregatedSignature","type":"bytes32[4]"},
		{"name":"messagePoint","type":"bytes32[4]"},
		{"name":"publicKeysHash","type":"bytes32"},
		{"name":"senderAccountIds","type":"bytes"}
	],"outputs":[],"stateMutability":"payable"},
	{"type":"event","name":"BlockPosted","inputs":[
		{"indexed":true,"name":"prevBlockHash","type":"bytes32"},
		{"indexed":true,"name":"blockBuilder","type":"address"},
		{"indexed":false,"name":"timestamp","type":"uint64"},
		{"indexed":false,"name":"blockNumber","type":"uint256"},
		{"indexed":false,"name":"depositTreeRoot","type":"bytes32"},
		{"indexed":false,"name":"signatureHash","type":"bytes32"}
	],"anonymous":false},
	{"type":"event","name":"DepositLeafInserted","inputs":[
		{"indexed":true,"name":"depositIndex","type":"uint32"},
		{"indexed":true,"name":"depositHash","type":"bytes32"}
	],"anonymous":false},
	{"type":"event","name":"HeartBeat","inputs":[
		{"indexed":true,"name":"blockBuilder","type":"address"},
		{"indexed":false,"name":"url","type":"string"}
	],"anonymous":false},
	{"type":"function","name":"emitHeartBeat","inputs":[{"name":"url","type":"string"}],"outputs":[],"stateMutability":"nonpayable"}
]`

const liquidityABIJSON = `[
	{"type":"function","name":"getLastDepositId","inputs":[],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
	{"type":"event","name":"Deposited","inputs":[
		{"indexed":true,"name":"depositId","type":"uint256"},
		{"indexed":true,"name":"sender","type":"address"},
		{"indexed":true,"name":"recipientSaltHash","type":"bytes32"},
		{"indexed":false,"name":"tokenIndex","type":"uint32"},
		{"indexed":false,"name":"amount","type":"uint256"},
		{"indexed":false,"name":"isEligible","type":"bool"},
		{"indexed":false,"name":"depositedAt","type":"uint256"}
	],"anonymous":false}
]`

const withdrawalABIJSON = `[
	{"type":"function","name":"getDirectWithdrawalTokenIndices","inputs":[],"outputs":[{"name":"","type":"uint256[]"}],"stateMutability":"view"}
]`

// =============================================================================
// Client
// =============================================================================

// Client talks to the three contracts over one or two RPC endpoints
// (L1 for liquidity, the settlement chain for rollup + withdrawal).
type Client struct {
	l1    *ethclient.Client
	l2    *ethclient.Client
	txOpt *bind.TransactOpts

	rollupAddr     common.Address
	liquidityAddr  common.Address
	withdrawalAddr common.Address

	rollupABI     abi.ABI
	liquidityABI  abi.ABI
	withdrawalABI abi.ABI

	logger *log.Logger
}

// ClientConfig carries the connection parameters.
type ClientConfig struct {
	L1URL             string
	L2URL             string
	L1ChainID         int64
	L2ChainID         int64
	PrivateKeyHex     string // empty for read-only clients
	RollupAddress     common.Address
	LiquidityAddress  common.Address
	WithdrawalAddress common.Address
	Logger            *log.Logger
}

// NewClient connects and parses the contract ABIs.
func NewClient(cfg *ClientConfig) (*Client, error) {
	l1, err := ethclient.Dial(cfg.L1URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to L1: %w", err)
	}
	l2, err := ethclient.Dial(cfg.L2URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to L2: %w", err)
	}

	rollupABI, err := abi.JSON(strings.NewReader(rollupABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse rollup ABI: %w", err)
	}
	liquidityABI, err := abi.JSON(strings.NewReader(liquidityABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse liquidity ABI: %w", err)
	}
	withdrawalABI, err := abi.JSON(strings.NewReader(withdrawalABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse withdrawal ABI: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[Rollup] ", log.LstdFlags)
	}

	c := &Client{
		l1:             l1,
		l2:             l2,
		rollupAddr:     cfg.RollupAddress,
		liquidityAddr:  cfg.LiquidityAddress,
		withdrawalAddr: cfg.WithdrawalAddress,
		rollupABI:      rollupABI,
		liquidityABI:   liquidityABI,
		withdrawalABI:  withdrawalABI,
		logger:         logger,
	}

	if cfg.PrivateKeyHex != "" {
		priv, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKeyHex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		c.txOpt, err = bind.NewKeyedTransactorWithChainID(priv, big.NewInt(cfg.L2ChainID))
		if err != nil {
			return nil, fmt.Errorf("failed to create transactor: %w", err)
		}
	}
	return c, nil
}

// BuilderAddress returns the posting account, or the zero address for
// read-only clients.
func (c *Client) BuilderAddress() common.Address {
	if c.txOpt == nil {
		return common.Address{}
	}
	return c.txOpt.From
}

func (c *Client) call(ctx context.Context, client *ethclient.Client, contractABI abi.ABI, addr common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	out, err := contractABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return out, nil
}

// =============================================================================
// Rollup Contract
// =============================================================================

// GetLatestBlockNumber returns the rollup chain head.
func (c *Client) GetLatestBlockNumber(ctx context.Context) (uint32, error) {
	out, err := c.call(ctx, c.l2, c.rollupABI, c.rollupAddr, "getLatestBlockNumber")
	if err != nil {
		return 0, err
	}
	return out[0].(uint32), nil
}

// GetBlockHash returns the hash of a posted block.
func (c *Client) GetBlockHash(ctx context.Context, blockNumber uint32) (types.Bytes32, error) {
	out, err := c.call(ctx, c.l2, c.rollupABI, c.rollupAddr, "getBlockHash", blockNumber)
	if err != nil {
		return types.Bytes32{}, err
	}
	return types.Bytes32(out[0].([32]byte)), nil
}

// GetNextDepositIndex returns the next free slot of the deposit tree.
func (c *Client) GetNextDepositIndex(ctx context.Context) (uint32, error) {
	out, err := c.call(ctx, c.l2, c.rollupABI, c.rollupAddr, "getNextDepositIndex")
	if err != nil {
		return 0, err
	}
	return out[0].(uint32), nil
}

// LatestEthBlockNumber returns the settlement chain head.
func (c *Client) LatestEthBlockNumber(ctx context.Context) (uint64, error) {
	return c.l2.BlockNumber(ctx)
}

func bytes16Of(b types.Bytes32) [16]byte {
	var out [16]byte
	copy(out[:], b[:16])
	return out
}

func splitWords2(raw []byte) [2][32]byte {
	var out [2][32]byte
	for i := 0; i < 2 && (i+1)*32 <= len(raw); i++ {
		copy(out[i][:], raw[i*32:(i+1)*32])
	}
	return out
}

func splitWords4(raw []byte) [4][32]byte {
	var out [4][32]byte
	for i := 0; i < 4 && (i+1)*32 <= len(raw); i++ {
		copy(out[i][:], raw[i*32:(i+1)*32])
	}
	return out
}

// PostRegistrationBlock posts a block carrying the full pubkey vector.
func (c *Client) PostRegistrationBlock(ctx context.Context, input *RegistrationBlockInput) (types.Bytes32, error) {
	if c.txOpt == nil {
		return types.Bytes32{}, fmt.Errorf("client has no signing key")
	}
	pubkeys := make([]*big.Int, len(input.Pubkeys))
	for i, pk := range input.Pubkeys {
		pubkeys[i] = pk.ToBig()
	}
	data, err := c.rollupABI.Pack("postRegistrationBlock",
		[32]byte(input.TxTreeRoot),
		input.Expiry,
		input.BlockBuilderNonce,
		bytes16Of(input.SenderFlag),
		splitWords2(input.AggregatedPubkey),
		splitWords4(input.AggregatedSignature),
		splitWords4(input.MessagePoint),
		pubkeys,
	)
	if err != nil {
		return types.Bytes32{}, fmt.Errorf("pack postRegistrationBlock: %w", err)
	}
	return c.sendTx(ctx, data)
}

// PostNonRegistrationBlock posts a block identified by account ids.
func (c *Client) PostNonRegistrationBlock(ctx context.Context, input *NonRegistrationBlockInput) (types.Bytes32, error) {
	if c.txOpt == nil {
		return types.Bytes32{}, fmt.Errorf("client has no signing key")
	}
	data, err := c.rollupABI.Pack("postNonRegistrationBlock",
		[32]byte(input.TxTreeRoot),
		input.Expiry,
		input.BlockBuilderNonce,
		bytes16Of(input.SenderFlag),
		splitWords2(input.AggregatedPubkey),
		splitWords4(input.AggregatedSignature),
		splitWords4(input.MessagePoint),
		[32]byte(input.PubkeyHash),
		input.PackedAccountIDs,
	)
	if err != nil {
		return types.Bytes32{}, fmt.Errorf("pack postNonRegistrationBlock: %w", err)
	}
	return c.sendTx(ctx, data)
}

func (c *Client) sendTx(ctx context.Context, data []byte) (types.Bytes32, error) {
	nonce, err := c.l2.PendingNonceAt(ctx, c.txOpt.From)
	if err != nil {
		return types.Bytes32{}, fmt.Errorf("failed to get nonce: %w", err)
	}
	gasPrice, err := c.l2.SuggestGasPrice(ctx)
	if err != nil {
		return types.Bytes32{}, fmt.Errorf("failed to get gas price: %w", err)
	}
	gasLimit, err := c.l2.EstimateGas(ctx, ethereum.CallMsg{
		From: c.txOpt.From,
		To:   &c.rollupAddr,
		Data: data,
	})
	if err != nil {
		return types.Bytes32{}, fmt.Errorf("failed to estimate gas: %w", err)
	}

	tx := ethtypes.NewTransaction(nonce, c.rollupAddr, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := c.txOpt.Signer(c.txOpt.From, tx)
	if err != nil {
		return types.Bytes32{}, fmt.Errorf("failed to sign tx: %w", err)
	}
	if err := c.l2.SendTransaction(ctx, signed); err != nil {
		return types.Bytes32{}, fmt.Errorf("failed to send tx: %w", err)
	}
	c.logger.Printf("Posted block tx %s (gas=%d)", signed.Hash().Hex(), gasLimit)
	return types.Bytes32(signed.Hash()), nil
}

// EmitHeartBeat signals builder liveness on chain.
func (c *Client) EmitHeartBeat(ctx context.Context, url string) error {
	if c.txOpt == nil {
		return fmt.Errorf("client has no signing key")
	}
	data, err := c.rollupABI.Pack("emitHeartBeat", url)
	if err != nil {
		return fmt.Errorf("pack emitHeartBeat: %w", err)
	}
	_, err = c.sendTx(ctx, data)
	return err
}

// =============================================================================
// Event Filtering
// =============================================================================

// FilterBlockPosted returns BlockPosted events in [fromEthBlock, toEthBlock).
func (c *Client) FilterBlockPosted(ctx context.Context, fromEthBlock, toEthBlock uint64) ([]*BlockPostedEvent, error) {
	logs, err := c.filterLogs(ctx, c.l2, c.rollupAddr, c.rollupABI.Events["BlockPosted"].ID, fromEthBlock, toEthBlock)
	if err != nil {
		return nil, err
	}
	events := make([]*BlockPostedEvent, 0, len(logs))
	for _, lg := range logs {
		unpacked, err := c.rollupABI.Unpack("BlockPosted", lg.Data)
		if err != nil {
			return nil, fmt.Errorf("unpack BlockPosted: %w", err)
		}
		ev := &BlockPostedEvent{
			PrevBlockHash:   types.Bytes32(lg.Topics[1]),
			BlockBuilder:    common.BytesToAddress(lg.Topics[2].Bytes()),
			BlockNumber:     uint32(unpacked[1].(*big.Int).Uint64()),
			DepositTreeRoot: types.Bytes32(unpacked[2].([32]byte)),
			SignatureHash:   types.Bytes32(unpacked[3].([32]byte)),
			EthBlockNumber:  lg.BlockNumber,
			EthTxIndex:      uint64(lg.TxIndex),
		}
		events = append(events, ev)
	}
	return events, nil
}

// GetFullBlocks reconstructs posted blocks from their posting calldata.
func (c *Client) GetFullBlocks(ctx context.Context, fromEthBlock, toEthBlock uint64) ([]*FullBlockWithMeta, error) {
	posted, err := c.FilterBlockPosted(ctx, fromEthBlock, toEthBlock)
	if err != nil {
		return nil, err
	}
	out := make([]*FullBlockWithMeta, 0, len(posted))
	for _, ev := range posted {
		block, err := c.reconstructBlock(ctx, ev)
		if err != nil {
			return nil, err
		}
		out = append(out, &FullBlockWithMeta{
			FullBlock:      block,
			EthBlockNumber: ev.EthBlockNumber,
			EthTxIndex:     ev.EthTxIndex,
		})
	}
	return out, nil
}

// reconstructBlock fetches the posting transaction and decodes its calldata
// back into a FullBlock.
func (c *Client) reconstructBlock(ctx context.Context, ev *BlockPostedEvent) (*types.FullBlock, error) {
	block, err := c.l2.BlockByNumber(ctx, big.NewInt(int64(ev.EthBlockNumber)))
	if err != nil {
		return nil, fmt.Errorf("fetch eth block %d: %w", ev.EthBlockNumber, err)
	}
	txs := block.Transactions()
	if int(ev.EthTxIndex) >= len(txs) {
		return nil, fmt.Errorf("tx index %d out of range in eth block %d", ev.EthTxIndex, ev.EthBlockNumber)
	}
	calldata := txs[ev.EthTxIndex].Data()
	if len(calldata) < 4 {
		return nil, fmt.Errorf("calldata too short in eth block %d", ev.EthBlockNumber)
	}

	method, err := c.rollupABI.MethodById(calldata[:4])
	if err != nil {
		return nil, fmt.Errorf("unknown posting method: %w", err)
	}
	args, err := method.Inputs.Unpack(calldata[4:])
	if err != nil {
		return nil, fmt.Errorf("unpack %s calldata: %w", method.Name, err)
	}

	fb := &types.FullBlock{
		BlockNumber:     ev.BlockNumber,
		PrevBlockHash:   ev.PrevBlockHash,
		DepositTreeRoot: ev.DepositTreeRoot,
		TxTreeRoot:      types.Bytes32(args[0].([32]byte)),
		Timestamp:       block.Time(),
	}
	payload := types.BlockSignPayload{
		TxTreeRoot:          fb.TxTreeRoot,
		Expiry:              args[1].(uint64),
		BlockBuilderAddress: ev.BlockBuilder,
		BlockBuilderNonce:   args[2].(uint32),
	}
	senderFlagRaw := args[3].([16]byte)
	var senderFlag types.Bytes32
	copy(senderFlag[:16], senderFlagRaw[:])

	aggPub := args[4].([2][32]byte)
	aggSig := args[5].([4][32]byte)
	msgPoint := args[6].([4][32]byte)
	fb.Signature = types.SignaturePayload{
		SenderFlag:       senderFlag,
		AggregatedPubkey: flatten2(aggPub),
		AggregatedSig:    flatten4(aggSig),
		MessagePoint:     flatten4(msgPoint),
	}

	switch method.Name {
	case "postRegistrationBlock":
		payload.IsRegistrationBlock = true
		rawKeys := args[7].([]*big.Int)
		pubkeys := make([]*types.U256, len(rawKeys))
		for i, k := range rawKeys {
			v := new(types.U256)
			v.SetFromBig(k)
			pubkeys[i] = v
		}
		fb.Senders = types.SenderSet{
			Pubkeys:    pubkeys,
			PubkeyHash: types.PubkeyHash(pubkeys),
		}
	case "postNonRegistrationBlock":
		fb.Senders = types.SenderSet{
			PubkeyHash:       types.Bytes32(args[7].([32]byte)),
			PackedAccountIDs: args[8].([]byte),
		}
	default:
		return nil, fmt.Errorf("unexpected posting method %s", method.Name)
	}
	fb.Signature.SignPayload = payload
	return fb, nil
}

func flatten2(words [2][32]byte) []byte {
	out := make([]byte, 0, 64)
	for _, w := range words {
		out = append(out, w[:]...)
	}
	return out
}

func flatten4(words [4][32]byte) []byte {
	out := make([]byte, 0, 128)
	for _, w := range words {
		out = append(out, w[:]...)
	}
	return out
}

// FilterDepositLeafInserted returns DepositLeafInserted events in the range.
func (c *Client) FilterDepositLeafInserted(ctx context.Context, fromEthBlock, toEthBlock uint64) ([]*types.DepositLeafInsertedEvent, error) {
	logs, err := c.filterLogs(ctx, c.l2, c.rollupAddr, c.rollupABI.Events["DepositLeafInserted"].ID, fromEthBlock, toEthBlock)
	if err != nil {
		return nil, err
	}
	events := make([]*types.DepositLeafInsertedEvent, 0, len(logs))
	for _, lg := range logs {
		events = append(events, &types.DepositLeafInsertedEvent{
			DepositIndex:   uint32(new(big.Int).SetBytes(lg.Topics[1].Bytes()).Uint64()),
			DepositHash:    types.Bytes32(lg.Topics[2]),
			EthBlockNumber: lg.BlockNumber,
			EthTxIndex:     uint64(lg.TxIndex),
		})
	}
	return events, nil
}

// =============================================================================
// Liquidity Contract
// =============================================================================

// GetLastDepositID returns the newest assigned deposit id.
func (c *Client) GetLastDepositID(ctx context.Context) (uint64, error) {
	out, err := c.call(ctx, c.l1, c.liquidityABI, c.liquidityAddr, "getLastDepositId")
	if err != nil {
		return 0, err
	}
	return out[0].(*big.Int).Uint64(), nil
}

// FilterDeposited returns L1 Deposited events in [fromEthBlock, toEthBlock).
func (c *Client) FilterDeposited(ctx context.Context, fromEthBlock, toEthBlock uint64) ([]*types.DepositedEvent, error) {
	logs, err := c.filterLogs(ctx, c.l1, c.liquidityAddr, c.liquidityABI.Events["Deposited"].ID, fromEthBlock, toEthBlock)
	if err != nil {
		return nil, err
	}
	events := make([]*types.DepositedEvent, 0, len(logs))
	for _, lg := range logs {
		unpacked, err := c.liquidityABI.Unpack("Deposited", lg.Data)
		if err != nil {
			return nil, fmt.Errorf("unpack Deposited: %w", err)
		}
		amount := new(types.U256)
		amount.SetFromBig(unpacked[1].(*big.Int))
		events = append(events, &types.DepositedEvent{
			DepositID:      new(big.Int).SetBytes(lg.Topics[1].Bytes()).Uint64(),
			Depositor:      common.BytesToAddress(lg.Topics[2].Bytes()),
			PubkeySaltHash: types.Bytes32(lg.Topics[3]),
			TokenIndex:     unpacked[0].(uint32),
			Amount:         amount,
			IsEligible:     unpacked[2].(bool),
			DepositedAt:    unpacked[3].(*big.Int).Uint64(),
			TxHash:         types.Bytes32(lg.TxHash),
			EthBlockNumber: lg.BlockNumber,
			EthTxIndex:     uint64(lg.TxIndex),
		})
	}
	return events, nil
}

// L1BlockNumber returns the L1 chain head.
func (c *Client) L1BlockNumber(ctx context.Context) (uint64, error) {
	return c.l1.BlockNumber(ctx)
}

// =============================================================================
// Withdrawal Contract
// =============================================================================

// GetDirectWithdrawalTokenIndices returns the directly-withdrawable tokens.
func (c *Client) GetDirectWithdrawalTokenIndices(ctx context.Context) ([]uint32, error) {
	out, err := c.call(ctx, c.l2, c.withdrawalABI, c.withdrawalAddr, "getDirectWithdrawalTokenIndices")
	if err != nil {
		return nil, err
	}
	raw := out[0].([]*big.Int)
	indices := make([]uint32, len(raw))
	for i, v := range raw {
		indices[i] = uint32(v.Uint64())
	}
	return indices, nil
}

func (c *Client) filterLogs(ctx context.Context, client *ethclient.Client, addr common.Address, topic common.Hash, fromEthBlock, toEthBlock uint64) ([]ethtypes.Log, error) {
	if toEthBlock <= fromEthBlock {
		return nil, nil
	}
	return client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromEthBlock),
		ToBlock:   new(big.Int).SetUint64(toEthBlock - 1),
		Addresses: []common.Address{addr},
		Topics:    [][]common.Hash{{topic}},
	})
}
