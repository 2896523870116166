// cmd/chaninfo/main.go — prints the incoming channels of this node as seen on chain,
// next to the local ticket counts per status.
//
// Reads the same environment as the aggregator (RPC_URL, CHANNELS_CONTRACT,
// NODE_PRIVATE_KEY, CHAIN_ID, REDIS_ADDR, ...).
//
//	go run ./cmd/chaninfo/                     # every channel known to the store
//	go run ./cmd/chaninfo/ --source 0xabc...   # one counterparty, even if not stored yet
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-ticket-aggregator/internal/chain"
	"github.com/0gfoundation/0g-ticket-aggregator/internal/config"
	"github.com/0gfoundation/0g-ticket-aggregator/internal/store"
	"github.com/0gfoundation/0g-ticket-aggregator/internal/ticket"
)

var statuses = []ticket.Status{ticket.StatusUntouched, ticket.StatusBeingAggregated, ticket.StatusBeingRedeemed}

func main() {
	source := flag.String("source", "", "counterparty address (default: all stored incoming channels)")
	timeout := flag.Duration("timeout", 30*time.Second, "overall deadline")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fatal("config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	onchain, err := chain.NewClient(cfg)
	if err != nil {
		fatal("chain client: %v", err)
	}
	defer onchain.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
	db := store.New(rdb, zap.NewNop())
	self := onchain.Address()

	var sources []common.Address
	if *source != "" {
		if !common.IsHexAddress(*source) {
			fatal("invalid --source %q", *source)
		}
		sources = append(sources, common.HexToAddress(*source))
	} else {
		known, err := db.Channels(ctx)
		if err != nil {
			fatal("list channels: %v", err)
		}
		for _, e := range known {
			if e.Destination == self {
				sources = append(sources, e.Source)
			}
		}
	}

	fmt.Printf("node:     %s\n", self.Hex())
	fmt.Printf("contract: %s\n\n", onchain.ContractAddress().Hex())

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SOURCE\tSTATUS\tEPOCH\tBALANCE\tINDEX\tUNTOUCHED\tAGGREGATING\tREDEEMING")
	for _, src := range sources {
		entry, err := onchain.Channel(ctx, src, self)
		if err != nil {
			fmt.Fprintf(w, "%s\terror: %v\n", src.Hex(), err)
			continue
		}
		counts := make([]int, len(statuses))
		for i, st := range statuses {
			if counts[i], err = db.CountTickets(ctx, entry.ID(), entry.Epoch, st); err != nil {
				fatal("count tickets: %v", err)
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%d\t%d\t%d\n",
			src.Hex(), entry.Status, entry.Epoch, entry.Balance, entry.TicketIndex,
			counts[0], counts[1], counts[2])
	}
	w.Flush() //nolint:errcheck
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
