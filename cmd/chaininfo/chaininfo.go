// Copyright (c) 2025 The utreexo developers
// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/utreexo/horizond/blockchain"
	"github.com/utreexo/horizond/chaincfg"
)

var usage string = "Usage: chaininfo <data_dir> [network]. The data directory is the one " +
	"given to horizond with --datadir, the network defaults to mainnet (testnet, regtest). " +
	"horizond must not be running."

func main() {
	if len(os.Args) < 2 {
		log.Fatal(usage)
	}

	netName := chaincfg.MainNetParams.Name
	if len(os.Args) > 2 {
		netName = os.Args[2]
	}
	params, err := chaincfg.ParamsForName(netName)
	if err != nil {
		log.Fatalf("Unknown network %q: %v\n%v", netName, err, usage)
	}

	dbPath := filepath.Join(os.Args[1], params.Name, "chain")
	if _, err := os.Stat(dbPath); err != nil {
		log.Fatalf("No chain database at %s: %v\n%v", dbPath, err, usage)
	}
	db, err := leveldb.OpenFile(dbPath, nil)
	if err != nil {
		log.Fatalf("Failed to open chain database: %v\n%v", err, usage)
	}
	defer db.Close()

	chain, err := blockchain.New(&blockchain.Config{
		DB:          db,
		ChainParams: params,
	})
	if err != nil {
		log.Fatalf("Failed to load chain: %v", err)
	}

	headerTip := chain.HeaderTip()
	blockTip := chain.BlockTip()
	fork, err := chain.BlockTipFork()
	if err != nil {
		log.Fatalf("Failed to find the block tip fork: %v", err)
	}

	fmt.Printf("header tip %d (%v), accumulated difficulty %v\n",
		headerTip.Height, headerTip.Hash, headerTip.AccumulatedDifficulty)
	fmt.Printf("block tip %d (%v), accumulated difficulty %v\n",
		blockTip.Height, blockTip.Hash, blockTip.AccumulatedDifficulty)
	fmt.Printf("block tip fork %d, bodies missing %d, pruned height %d, orphans %d\n",
		fork, headerTip.Height-fork, chain.PrunedHeight(), chain.NumOrphans())
}
