package venue

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"basis-engine/internal/runlog"
	enginetypes "basis-engine/pkg/types"
)

const (
	receiptPollInterval = 2 * time.Second
	receiptWaitTimeout  = 2 * time.Minute
	gasLimit            = 600_000
)

// balanceOf(address) selector.
var balanceOfSelector = crypto.Keccak256([]byte("balanceOf(address)"))[:4]

// chainMethods maps each on-chain operation to the venue contract method it
// calls. All methods take (asset address, amount).
var chainMethods = map[enginetypes.OperationType]string{
	enginetypes.OpSupply:      "supply(address,uint256)",
	enginetypes.OpBorrow:      "borrow(address,uint256)",
	enginetypes.OpRepay:       "repay(address,uint256)",
	enginetypes.OpWithdraw:    "withdraw(address,uint256)",
	enginetypes.OpStake:       "deposit(address,uint256)",
	enginetypes.OpUnstake:     "redeem(address,uint256)",
	enginetypes.OpSwap:        "swapExactIn(address,uint256)",
	enginetypes.OpFlashBorrow: "flashBorrow(address,uint256)",
	enginetypes.OpFlashRepay:  "flashRepay(address,uint256)",
}

// TokenInfo locates one token contract and its decimal scale.
type TokenInfo struct {
	Address  common.Address
	Decimals int32
}

// LiveChain executes lending, staking, DEX, and flash-loan operations by
// sending transactions to the venue's on-chain contract and reads positions
// as ERC-20 balances. Actual deltas are measured, not assumed: balances of
// every touched token are read before and after the transaction and the
// difference is reported, so index drift between submit and inclusion is
// absorbed into the handshake.
type LiveChain struct {
	name     string
	kind     string
	client   *ethclient.Client
	creds    *ChainCredentials
	chainID  *big.Int
	contract common.Address

	// tokens maps a token symbol to its contract; instruments maps each
	// subscribed instrument key on this venue to the token backing it.
	tokens      map[string]TokenInfo
	instruments map[enginetypes.InstrumentKey]string

	limiters *RateLimiters
	breakers *Breakers
	log      *runlog.Logger
}

// NewLiveChain dials the RPC endpoint and builds the venue interface.
func NewLiveChain(ctx context.Context, name, kind, rpcURL string, contract common.Address,
	tokens map[string]TokenInfo, instruments map[enginetypes.InstrumentKey]string,
	creds *ChainCredentials, limiters *RateLimiters, breakers *Breakers, log *runlog.Logger) (*LiveChain, error) {

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s rpc: %w", name, err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("chain id for %s: %w", name, err)
	}
	return &LiveChain{
		name:        name,
		kind:        kind,
		client:      client,
		creds:       creds,
		chainID:     chainID,
		contract:    contract,
		tokens:      tokens,
		instruments: instruments,
		limiters:    limiters,
		breakers:    breakers,
		log:         log,
	}, nil
}

// Close releases the RPC connection.
func (v *LiveChain) Close() { v.client.Close() }

func (v *LiveChain) Name() string { return v.name }

// Execute sends the operation's transaction and reports balance-diff deltas.
func (v *LiveChain) Execute(ctx context.Context, t time.Time, order enginetypes.Order) (enginetypes.ExecutionHandshake, error) {
	submitted := time.Now().UTC()

	sig, ok := chainMethods[order.Type]
	if !ok {
		return enginetypes.ExecutionHandshake{}, newError(v.name, ClassNonRetryableInvalid,
			enginetypes.Codedf(enginetypes.CodeVenUnsupportedOp,
				"no on-chain method for %q", order.Type))
	}
	asset, ok := v.tokens[order.SourceToken]
	if !ok {
		return enginetypes.ExecutionHandshake{}, newError(v.name, ClassNonRetryableInvalid,
			enginetypes.Codedf(enginetypes.CodeVenInvalidOrder,
				"unknown token %q on venue %s", order.SourceToken, v.name))
	}

	touched := order.TouchedKeys()
	before, err := v.readKeys(ctx, touched)
	if err != nil {
		return enginetypes.ExecutionHandshake{}, err
	}

	amount := toWei(order.Amount, asset.Decimals)
	calldata := append(crypto.Keccak256([]byte(sig))[:4], packAddressUint(asset.Address, amount)...)

	receipt, txHash, err := v.sendAndWait(ctx, calldata)
	if err != nil {
		return enginetypes.ExecutionHandshake{}, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return enginetypes.ExecutionHandshake{}, newError(v.name, ClassNonRetryableState,
			enginetypes.Codedf(enginetypes.CodeVenInvalidOrder,
				"tx %s reverted", txHash.Hex()))
	}

	after, err := v.readKeys(ctx, touched)
	if err != nil {
		return enginetypes.ExecutionHandshake{}, err
	}
	deltas := make(enginetypes.DeltaMap, len(touched))
	for _, key := range touched {
		deltas[key] = after[key].Sub(before[key])
	}

	gasUsed := new(big.Int).SetUint64(receipt.GasUsed)
	gasCost := new(big.Int).Mul(gasUsed, receipt.EffectiveGasPrice)
	return enginetypes.ExecutionHandshake{
		OperationID:  order.OperationID,
		Status:       enginetypes.StatusConfirmed,
		ActualDeltas: deltas,
		Details: map[string]any{
			"venue":    v.name,
			"tx_hash":  txHash.Hex(),
			"block":    receipt.BlockNumber.Uint64(),
			"gas_used": receipt.GasUsed,
		},
		FeeAmount:     fromWei(gasCost, 18),
		FeeCurrency:   "ETH",
		SubmittedAt:   submitted,
		ExecutedAt:    time.Now().UTC(),
		AtomicGroupID: order.AtomicGroupID,
	}, nil
}

// Positions reads the ERC-20 balance behind every subscribed instrument on
// this venue.
func (v *LiveChain) Positions(ctx context.Context, t time.Time) (enginetypes.DeltaMap, error) {
	keys := make([]enginetypes.InstrumentKey, 0, len(v.instruments))
	for key := range v.instruments {
		keys = append(keys, key)
	}
	return v.readKeys(ctx, keys)
}

func (v *LiveChain) readKeys(ctx context.Context, keys []enginetypes.InstrumentKey) (enginetypes.DeltaMap, error) {
	out := make(enginetypes.DeltaMap, len(keys))
	for _, key := range keys {
		symbol, ok := v.instruments[key]
		if !ok {
			// key on another venue within the same order (e.g. wallet side
			// of a supply); that venue's reader covers it
			continue
		}
		info, ok := v.tokens[symbol]
		if !ok {
			return nil, newError(v.name, ClassNonRetryableInvalid,
				enginetypes.Codedf(enginetypes.CodeVenInvalidOrder,
					"instrument %s: no contract for token %q", key, symbol))
		}
		bal, err := v.erc20Balance(ctx, info.Address)
		if err != nil {
			return nil, err
		}
		out[key] = fromWei(bal, info.Decimals)
	}
	return out, nil
}

func (v *LiveChain) erc20Balance(ctx context.Context, token common.Address) (*big.Int, error) {
	if err := v.limiters.Wait(ctx, v.name); err != nil {
		return nil, Classify(v.name, err)
	}
	calldata := append(append([]byte{}, balanceOfSelector...),
		common.LeftPadBytes(v.creds.Address.Bytes(), 32)...)

	res, err := v.breakers.Do(v.name, func() (any, error) {
		return v.client.CallContract(ctx, ethereum.CallMsg{
			To:   &token,
			Data: calldata,
		}, nil)
	})
	if err != nil {
		return nil, Classify(v.name, fmt.Errorf("balanceOf %s: %w", token.Hex(), err))
	}
	raw := res.([]byte)
	if len(raw) < 32 {
		return big.NewInt(0), nil
	}
	return new(big.Int).SetBytes(raw[:32]), nil
}

// sendAndWait signs, submits, and polls for the receipt.
func (v *LiveChain) sendAndWait(ctx context.Context, calldata []byte) (*types.Receipt, common.Hash, error) {
	if err := v.limiters.Wait(ctx, v.name); err != nil {
		return nil, common.Hash{}, Classify(v.name, err)
	}

	nonce, err := v.client.PendingNonceAt(ctx, v.creds.Address)
	if err != nil {
		return nil, common.Hash{}, Classify(v.name, fmt.Errorf("nonce: %w", err))
	}
	gasPrice, err := v.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, common.Hash{}, Classify(v.name, fmt.Errorf("gas price: %w", err))
	}

	tx := types.NewTransaction(nonce, v.contract, big.NewInt(0), gasLimit, gasPrice, calldata)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(v.chainID), v.creds.PrivateKey)
	if err != nil {
		return nil, common.Hash{}, newError(v.name, ClassNonRetryableInvalid,
			fmt.Errorf("sign tx: %w", err))
	}

	_, err = v.breakers.Do(v.name, func() (any, error) {
		return nil, v.client.SendTransaction(ctx, signed)
	})
	if err != nil {
		return nil, common.Hash{}, Classify(v.name, fmt.Errorf("send tx: %w", err))
	}
	txHash := signed.Hash()

	waitCtx, cancel := context.WithTimeout(ctx, receiptWaitTimeout)
	defer cancel()
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()
	for {
		receipt, err := v.client.TransactionReceipt(waitCtx, txHash)
		if err == nil {
			return receipt, txHash, nil
		}
		select {
		case <-waitCtx.Done():
			return nil, txHash, newError(v.name, ClassTimeout,
				enginetypes.Codedf(enginetypes.CodeVenTimeout,
					"tx %s: no receipt within %s", txHash.Hex(), receiptWaitTimeout))
		case <-ticker.C:
		}
	}
}

func packAddressUint(addr common.Address, amount *big.Int) []byte {
	out := make([]byte, 0, 64)
	out = append(out, common.LeftPadBytes(addr.Bytes(), 32)...)
	out = append(out, common.LeftPadBytes(amount.Bytes(), 32)...)
	return out
}

func toWei(d decimal.Decimal, decimals int32) *big.Int {
	return d.Shift(decimals).BigInt()
}

func fromWei(v *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(v, 0).Shift(-decimals)
}
