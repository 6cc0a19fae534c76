package anchor

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const anchorTxGasLimit = 100_000

// EthClient records Merkle roots on an EVM chain as a zero-value transaction
// to the anchoring account itself, carrying the root bytes as calldata.
type EthClient struct {
	client  *ethclient.Client
	priv    *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
}

// DialEth connects to rpcURL and prepares the anchoring account from a hex
// private key.
func DialEth(ctx context.Context, rpcURL, privateKeyHex string) (*EthClient, error) {
	priv, err := ethcrypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("anchor private key: %w", err)
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("chain id: %w", err)
	}
	return &EthClient{
		client:  client,
		priv:    priv,
		from:    ethcrypto.PubkeyToAddress(priv.PublicKey),
		chainID: chainID,
	}, nil
}

func (e *EthClient) Broadcast(ctx context.Context, root []byte) (string, error) {
	nonce, err := e.client.PendingNonceAt(ctx, e.from)
	if err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("gas price: %w", err)
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &e.from,
		Value:    big.NewInt(0),
		Gas:      anchorTxGasLimit,
		GasPrice: gasPrice,
		Data:     root,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(e.chainID), e.priv)
	if err != nil {
		return "", fmt.Errorf("sign tx: %w", err)
	}
	if err := e.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("send tx: %w", err)
	}
	return signed.Hash().Hex(), nil
}

func (e *EthClient) Confirm(ctx context.Context, txRef string) (bool, error) {
	receipt, err := e.client.TransactionReceipt(ctx, common.HexToHash(txRef))
	if errors.Is(err, ethereum.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return receipt.Status == types.ReceiptStatusSuccessful, nil
}

func (e *EthClient) Simulated() bool { return false }

func (e *EthClient) Close() { e.client.Close() }
