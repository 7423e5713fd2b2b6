// Command mklctl manages keys and submits signed transactions to an mkl node,
// either through its HTTP API or straight to a Tendermint node's RPC.
//
//	mklctl [global flags] <command> [command flags]
//
// Commands: keygen, address, discover, list, purchase, resell, cancel, set-fee,
// listings, owned, listed, item, fee, stats, restore.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"marketledger.mini/mkl/internal/discovery"
	"marketledger.mini/mkl/internal/identity"
	"marketledger.mini/mkl/internal/records"
	"marketledger.mini/mkl/internal/types"
)

type globals struct {
	keyFile string
	apiURL  string
	rpcURL  string
	commit  bool
	timeout time.Duration
}

func main() {
	log.SetFlags(0)
	log.SetPrefix("mklctl: ")

	var g globals
	flag.StringVar(&g.keyFile, "key", "mkl_key.hex", "path to the signing key")
	flag.StringVar(&g.apiURL, "api", "http://localhost:8080", "mkl node HTTP address")
	flag.StringVar(&g.rpcURL, "rpc", "", "Tendermint RPC address; when set, transactions and queries bypass the HTTP API")
	flag.BoolVar(&g.commit, "commit", true, "with -rpc, wait for the transaction to be committed")
	flag.DurationVar(&g.timeout, "timeout", 30*time.Second, "request timeout")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	if err := dispatch(ctx, g, flag.Arg(0), flag.Args()[1:]); err != nil {
		log.Fatal(err)
	}
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: mklctl [flags] <command> [command flags]\n\n")
	fmt.Fprintf(flag.CommandLine.Output(), "commands: keygen address discover list purchase resell cancel set-fee listings owned listed nonce item fee stats restore\n\n")
	flag.PrintDefaults()
}

func dispatch(ctx context.Context, g globals, cmd string, args []string) error {
	switch cmd {
	case "keygen":
		return cmdKeygen(g)
	case "address":
		id, err := identity.LoadIdentity(g.keyFile)
		if err != nil {
			return err
		}
		fmt.Println(id.Address().Hex())
		return nil
	case "restore":
		return cmdRestore(args)
	case "discover":
		return cmdDiscover(ctx, args)
	}

	be := newBackend(g)
	switch cmd {
	case "list", "purchase", "resell", "cancel", "set-fee":
		return cmdSubmit(ctx, g, be, cmd, args)
	case "listings", "fee", "stats":
		return printQuery(ctx, be, "/"+cmd)
	case "owned", "listed", "nonce":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		addr := fs.String("addr", "", "account address (default: the key's address)")
		fs.Parse(args)
		if *addr == "" {
			id, err := identity.LoadIdentity(g.keyFile)
			if err != nil {
				return err
			}
			*addr = id.Address().Hex()
		}
		return printQuery(ctx, be, "/"+cmd+"/"+*addr)
	case "item":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		id := fs.Uint64("id", 0, "item id")
		fs.Parse(args)
		return printQuery(ctx, be, "/item/"+strconv.FormatUint(*id, 10))
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func cmdKeygen(g globals) error {
	if _, err := os.Stat(g.keyFile); err == nil {
		return fmt.Errorf("%s already exists", g.keyFile)
	}
	id, err := identity.LoadOrCreateIdentity(g.keyFile)
	if err != nil {
		return err
	}
	fmt.Printf("wrote %s\naddress %s\n", g.keyFile, id.Address().Hex())
	return nil
}

func cmdDiscover(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("discover", flag.ExitOnError)
	service := fs.String("service", discovery.DefaultService, "mDNS service type")
	wait := fs.Duration("wait", 3*time.Second, "how long to listen for announcements")
	fs.Parse(args)

	ctx, cancel := context.WithTimeout(ctx, *wait)
	defer cancel()
	peers, err := discovery.Browse(ctx, *service)
	if err != nil {
		return err
	}
	if len(peers) == 0 {
		fmt.Println("no nodes found")
		return nil
	}
	for _, p := range peers {
		fmt.Printf("%s\t%s\tadmin=%s\tfee_policy=%s\n", p.Instance, p.APIURL(), p.Txt["admin"], p.Txt["fee_policy"])
	}
	return nil
}

func cmdRestore(args []string) error {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	dbPath := fs.String("db", "ledger.db", "ledger database to replace")
	file := fs.String("file", "", "snapshot downloaded from /api/snapshot")
	maxBackups := fs.Int("max-backups", 20, "backups to keep")
	fs.Parse(args)
	if *file == "" {
		return errors.New("restore: -file is required")
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		return err
	}
	store, err := records.NewStore(*dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	previous, err := store.ImportSnapshot(data, *maxBackups)
	if err != nil {
		return err
	}
	fmt.Printf("restored %s from %s\n", store.Path(), *file)
	if previous != "" {
		fmt.Printf("previous database kept at %s\n", previous)
	}
	return nil
}

// buildPayload reads the command's flags into a transaction payload. Payments
// left unset default to the listing fee or the item's price. The returned
// nonce is zero unless -nonce was given.
func buildPayload(ctx context.Context, be backend, cmd string, args []string) (types.TransactionType, interface{}, uint64, error) {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	id := fs.Uint64("id", 0, "item id")
	price := fs.String("price", "", "asking price")
	payment := fs.String("payment", "", "attached payment (default: listing fee, or the item price for purchase)")
	uri := fs.String("uri", "", "metadata URI")
	fee := fs.String("fee", "", "new listing fee")
	nonce := fs.Uint64("nonce", 0, "transaction nonce (default: one above the last nonce the node accepted)")
	fs.Parse(args)

	amount := func(name, s string) (types.Amount, error) {
		a, err := types.ParseAmount(s)
		if err != nil {
			return a, fmt.Errorf("-%s: %w", name, err)
		}
		return a, nil
	}
	defaultPayment := func(lookup func() (types.Amount, error)) (types.Amount, error) {
		if *payment != "" {
			return amount("payment", *payment)
		}
		return lookup()
	}
	feeLookup := func() (types.Amount, error) { return queryFee(ctx, be) }

	switch cmd {
	case "list":
		p, err := amount("price", *price)
		if err != nil {
			return "", nil, 0, err
		}
		pay, err := defaultPayment(feeLookup)
		if err != nil {
			return "", nil, 0, err
		}
		return types.TxList, types.ListPayload{MetadataURI: *uri, Price: p, Payment: pay}, *nonce, nil
	case "purchase":
		pay, err := defaultPayment(func() (types.Amount, error) {
			rec, err := queryItem(ctx, be, types.ItemID(*id))
			return rec.Price, err
		})
		if err != nil {
			return "", nil, 0, err
		}
		return types.TxPurchase, types.PurchasePayload{ItemID: types.ItemID(*id), Payment: pay}, *nonce, nil
	case "resell":
		p, err := amount("price", *price)
		if err != nil {
			return "", nil, 0, err
		}
		pay, err := defaultPayment(feeLookup)
		if err != nil {
			return "", nil, 0, err
		}
		return types.TxResell, types.ResellPayload{ItemID: types.ItemID(*id), Price: p, Payment: pay}, *nonce, nil
	case "cancel":
		return types.TxCancel, types.CancelPayload{ItemID: types.ItemID(*id)}, *nonce, nil
	case "set-fee":
		f, err := amount("fee", *fee)
		if err != nil {
			return "", nil, 0, err
		}
		return types.TxSetListingFee, types.SetListingFeePayload{Fee: f}, *nonce, nil
	}
	return "", nil, 0, fmt.Errorf("unknown command %q", cmd)
}

func cmdSubmit(ctx context.Context, g globals, be backend, cmd string, args []string) error {
	id, err := identity.LoadIdentity(g.keyFile)
	if err != nil {
		return err
	}
	txType, payload, nonce, err := buildPayload(ctx, be, cmd, args)
	if err != nil {
		return err
	}
	if nonce == 0 {
		last, err := queryNonce(ctx, be, id.Address())
		if err != nil {
			return err
		}
		nonce = last + 1
	}
	tx, err := types.NewTransaction(txType, nonce, payload)
	if err != nil {
		return err
	}
	stx, err := tx.Sign(id)
	if err != nil {
		return err
	}
	out, err := be.submit(ctx, stx)
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

func queryFee(ctx context.Context, be backend) (types.Amount, error) {
	raw, err := be.query(ctx, "/fee")
	if err != nil {
		return types.ZeroAmount, fmt.Errorf("look up listing fee: %w", err)
	}
	var fee types.Amount
	if err := json.Unmarshal(raw, &fee); err != nil {
		return types.ZeroAmount, fmt.Errorf("decode listing fee: %w", err)
	}
	return fee, nil
}

func queryNonce(ctx context.Context, be backend, acct types.Account) (uint64, error) {
	raw, err := be.query(ctx, "/nonce/"+acct.Hex())
	if err != nil {
		return 0, fmt.Errorf("look up nonce: %w", err)
	}
	var n uint64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("decode nonce: %w", err)
	}
	return n, nil
}

func queryItem(ctx context.Context, be backend, id types.ItemID) (types.MarketRecord, error) {
	raw, err := be.query(ctx, "/item/"+strconv.FormatUint(uint64(id), 10))
	if err != nil {
		return types.MarketRecord{}, fmt.Errorf("look up item %d: %w", id, err)
	}
	var rec types.MarketRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, fmt.Errorf("decode item %d: %w", id, err)
	}
	return rec, nil
}

func printQuery(ctx context.Context, be backend, path string) error {
	raw, err := be.query(ctx, path)
	if err != nil {
		return err
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	pretty, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(pretty))
	return nil
}
