package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-ticket-aggregator/internal/config"
	"github.com/0gfoundation/0g-ticket-aggregator/internal/ticket"
)

// channelsABI is the read-only subset of the payment channels contract used by the node.
const channelsABI = `[
	{"type":"function","name":"domainSeparator","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"bytes32"}]},
	{"type":"function","name":"channels","stateMutability":"view",
	 "inputs":[{"name":"","type":"bytes32"}],
	 "outputs":[
		{"name":"balance","type":"uint96"},
		{"name":"ticketIndex","type":"uint48"},
		{"name":"closureTime","type":"uint32"},
		{"name":"epoch","type":"uint24"},
		{"name":"status","type":"uint8"}
	 ]}
]`

var parsedChannelsABI = mustParseABI(channelsABI)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("parse channels abi: %v", err))
	}
	return parsed
}

// DomainSeparatorStore persists the domain separator read from chain.
type DomainSeparatorStore interface {
	SetChannelsDomainSeparator(ctx context.Context, sep common.Hash) error
}

// Client reads channel state from the payment channels contract.
type Client struct {
	eth          *ethclient.Client
	contract     *bind.BoundContract
	contractAddr common.Address
	chainID      *big.Int
	key          *ecdsa.PrivateKey
}

func NewClient(cfg *config.Config) (*Client, error) {
	eth, err := ethclient.Dial(cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	privKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.Chain.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse node private key: %w", err)
	}

	c := newClient(eth, common.HexToAddress(cfg.Chain.ContractAddress), big.NewInt(cfg.Chain.ChainID), privKey)
	c.eth = eth
	return c, nil
}

func newClient(caller bind.ContractCaller, addr common.Address, chainID *big.Int, key *ecdsa.PrivateKey) *Client {
	return &Client{
		contract:     bind.NewBoundContract(addr, parsedChannelsABI, caller, nil, nil),
		contractAddr: addr,
		chainID:      chainID,
		key:          key,
	}
}

// Close releases the RPC connection.
func (c *Client) Close() {
	if c.eth != nil {
		c.eth.Close()
	}
}

// PrivateKey returns the node's chain key (ticket and request signing).
func (c *Client) PrivateKey() *ecdsa.PrivateKey { return c.key }

// Address returns the node's chain address.
func (c *Client) Address() common.Address { return crypto.PubkeyToAddress(c.key.PublicKey) }

// ChainID returns the configured chain ID.
func (c *Client) ChainID() *big.Int { return c.chainID }

// ContractAddress returns the channels contract address.
func (c *Client) ContractAddress() common.Address { return c.contractAddr }

// DomainSeparator reads the ticket domain separator from the contract.
func (c *Client) DomainSeparator(ctx context.Context) (common.Hash, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "domainSeparator"); err != nil {
		return common.Hash{}, fmt.Errorf("domainSeparator: %w", err)
	}
	if len(out) != 1 {
		return common.Hash{}, fmt.Errorf("domainSeparator: unexpected output length %d", len(out))
	}
	raw, ok := out[0].([32]byte)
	if !ok {
		return common.Hash{}, fmt.Errorf("domainSeparator: unexpected output type %T", out[0])
	}
	return common.Hash(raw), nil
}

// Channel reads the channel source → destination.
func (c *Client) Channel(ctx context.Context, source, destination common.Address) (*ticket.ChannelEntry, error) {
	id := ticket.ChannelID(source, destination)
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "channels", [32]byte(id)); err != nil {
		return nil, fmt.Errorf("channels(%s): %w", id.Hex(), err)
	}
	entry, err := decodeChannel(out)
	if err != nil {
		return nil, fmt.Errorf("channels(%s): %w", id.Hex(), err)
	}
	entry.Source, entry.Destination = source, destination
	return entry, nil
}

func decodeChannel(out []interface{}) (*ticket.ChannelEntry, error) {
	if len(out) != 5 {
		return nil, fmt.Errorf("unexpected output length %d", len(out))
	}
	balance, ok1 := out[0].(*big.Int)
	index, ok2 := out[1].(*big.Int)
	closure, ok3 := out[2].(uint32)
	epoch, ok4 := out[3].(*big.Int)
	status, ok5 := out[4].(uint8)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return nil, fmt.Errorf("unexpected output types %T %T %T %T %T", out[0], out[1], out[2], out[3], out[4])
	}
	if status > uint8(ticket.ChannelPendingToClose) {
		return nil, fmt.Errorf("unknown channel status %d", status)
	}
	return &ticket.ChannelEntry{
		Balance:     balance,
		TicketIndex: index.Uint64(),
		Status:      ticket.ChannelStatus(status),
		Epoch:       uint32(epoch.Uint64()),
		ClosureTime: closure,
	}, nil
}

// SyncDomainSeparator copies the on-chain domain separator into the ticket store.
func (c *Client) SyncDomainSeparator(ctx context.Context, store DomainSeparatorStore, log *zap.Logger) (common.Hash, error) {
	sep, err := c.DomainSeparator(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	if expected := ticket.DomainSeparator(c.chainID, c.contractAddr); expected != sep {
		log.Warn("on-chain domain separator differs from the one derived from config",
			zap.String("chain", sep.Hex()),
			zap.String("derived", expected.Hex()),
		)
	}
	if err := store.SetChannelsDomainSeparator(ctx, sep); err != nil {
		return common.Hash{}, fmt.Errorf("store domain separator: %w", err)
	}
	log.Info("domain separator synced", zap.String("value", sep.Hex()))
	return sep, nil
}
