// Fund agent accounts on a local development chain so the on-chain
// settlement rail has gas and value to move. Reads the same key files the
// agents load their identities from.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/joho/godotenv"

	"github.com/dcap-x-project/dcap-commerce/internal/identity"
)

func main() {
	amountEther := flag.String("amount", "0.1", "amount of ETH to send to each agent")
	rpcURL := flag.String("rpc", "http://localhost:8545", "RPC endpoint")
	fundingKey := flag.String("key", "", "private key of the funding account (without 0x)")
	dryRun := flag.Bool("dry-run", false, "print what would be sent without sending")
	flag.Parse()

	_ = godotenv.Load()

	if *fundingKey == "" {
		*fundingKey = os.Getenv("FUNDING_PRIVATE_KEY")
		if *fundingKey == "" {
			// Hardhat default account #0
			*fundingKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
			fmt.Println("using default Hardhat account #0 for funding")
		}
	}

	keyFiles := flag.Args()
	if len(keyFiles) == 0 {
		keyFiles = []string{"buyer.key", "seller.key"}
	}

	ctx := context.Background()

	client, err := ethclient.Dial(*rpcURL)
	if err != nil {
		fail("connect to chain: %v", err)
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(*fundingKey, "0x"))
	if err != nil {
		fail("parse funding key: %v", err)
	}
	fundingAddress := crypto.PubkeyToAddress(privateKey.PublicKey)

	balance, err := client.BalanceAt(ctx, fundingAddress, nil)
	if err != nil {
		fail("funding balance: %v", err)
	}
	fmt.Printf("funding account %s (%s ETH)\n", fundingAddress.Hex(), weiToEther(balance))

	amountWei := etherToWei(*amountEther)

	chainID, err := client.NetworkID(ctx)
	if err != nil {
		fail("chain id: %v", err)
	}

	for _, path := range keyFiles {
		ident, err := identity.Load(path)
		if err != nil {
			fmt.Printf("skipping %s: %v\n", path, err)
			continue
		}
		target := common.HexToAddress(ident.Address())

		current, err := client.BalanceAt(ctx, target, nil)
		if err != nil {
			fmt.Printf("skipping %s: balance: %v\n", path, err)
			continue
		}
		fmt.Printf("%s -> %s (%s ETH)\n", path, target.Hex(), weiToEther(current))

		if current.Cmp(amountWei) >= 0 {
			fmt.Println("  already funded")
			continue
		}
		if *dryRun {
			fmt.Printf("  [dry run] would send %s ETH\n", *amountEther)
			continue
		}

		nonce, err := client.PendingNonceAt(ctx, fundingAddress)
		if err != nil {
			fmt.Printf("  nonce: %v\n", err)
			continue
		}
		gasPrice, err := client.SuggestGasPrice(ctx)
		if err != nil {
			fmt.Printf("  gas price: %v\n", err)
			continue
		}

		tx := ethtypes.NewTransaction(nonce, target, amountWei, 21000, gasPrice, nil)
		signedTx, err := ethtypes.SignTx(tx, ethtypes.NewEIP155Signer(chainID), privateKey)
		if err != nil {
			fmt.Printf("  sign: %v\n", err)
			continue
		}
		if err := client.SendTransaction(ctx, signedTx); err != nil {
			fmt.Printf("  send: %v\n", err)
			continue
		}

		receipt, err := bind.WaitMined(ctx, client, signedTx)
		if err != nil {
			fmt.Printf("  confirmation: %v\n", err)
			continue
		}
		if receipt.Status == 0 {
			fmt.Println("  transaction reverted")
			continue
		}
		fmt.Printf("  sent %s ETH in block %d (%s)\n", *amountEther, receipt.BlockNumber.Uint64(), signedTx.Hash().Hex())
	}
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func etherToWei(amount string) *big.Int {
	f := new(big.Float)
	f.SetString(amount)
	f.Mul(f, big.NewFloat(1e18))
	wei := new(big.Int)
	f.Int(wei)
	return wei
}

func weiToEther(wei *big.Int) string {
	ether := new(big.Float).SetInt(wei)
	ether.Quo(ether, big.NewFloat(1e18))
	return fmt.Sprintf("%.6f", ether)
}
