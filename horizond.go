// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime/debug"
	"runtime/pprof"

	"github.com/syndtr/goleveldb/leveldb"
)

const (
	// chainDbName is the name of the chain database directory below the
	// data directory.
	chainDbName = "chain"
)

var (
	cfg *config
)

// horizondMain is the real main function for horizond.  It is necessary to
// work around the fact that deferred functions do not run when os.Exit() is
// called.
func horizondMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	tcfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = tcfg
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	// Get a channel that will be closed when a shutdown signal has been
	// triggered either from an OS signal such as SIGINT (Ctrl+C) or from
	// another subsystem.
	interrupt := interruptListener()
	defer hrzdLog.Info("Shutdown complete")

	// Show version at startup.
	hrzdLog.Infof("Version %s on %s", version(), cfg.params.Name)
	if cfg.Prune {
		hrzdLog.Infof("Pruning horizon of %d blocks", cfg.PruningHorizon)
	}

	// Enable http profiling server if requested.
	if cfg.Profile != "" {
		go func() {
			listenAddr := net.JoinHostPort("", cfg.Profile)
			hrzdLog.Infof("Profile server listening on %s", listenAddr)
			profileRedirect := http.RedirectHandler("/debug/pprof",
				http.StatusSeeOther)
			http.Handle("/", profileRedirect)
			hrzdLog.Errorf("%v", http.ListenAndServe(listenAddr, nil))
		}()
	}

	// Write cpu profile if requested.
	if cfg.CPUProfile != "" {
		f, err := os.Create(cfg.CPUProfile)
		if err != nil {
			hrzdLog.Errorf("Unable to create cpu profile: %v", err)
			return err
		}
		pprof.StartCPUProfile(f)
		defer f.Close()
		defer pprof.StopCPUProfile()
	}

	// Return now if an interrupt signal was triggered.
	if interruptRequested(interrupt) {
		return nil
	}

	// Load the chain database.
	db, err := loadChainDB()
	if err != nil {
		hrzdLog.Errorf("%v", err)
		return err
	}
	defer func() {
		// Ensure the database is sync'd and closed on shutdown.
		hrzdLog.Infof("Gracefully shutting down the database...")
		db.Close()
	}()

	// Return now if an interrupt signal was triggered.
	if interruptRequested(interrupt) {
		return nil
	}

	// Create server and start it.
	server, err := newServer(cfg, db)
	if err != nil {
		hrzdLog.Errorf("Unable to start server on %v: %v",
			cfg.Listeners, err)
		return err
	}
	defer func() {
		hrzdLog.Infof("Gracefully shutting down the server...")
		server.Stop()
		server.WaitForShutdown()
		srvrLog.Infof("Server shutdown complete")
	}()
	server.Start()

	// Wait until the interrupt signal is received from an OS signal or
	// shutdown is requested through one of the subsystems.
	<-interrupt
	return nil
}

// removeRegressionDB removes the existing regression test database if running
// in regression test mode and it already exists.
func removeRegressionDB(dbPath string) error {
	// Don't do anything if not in regression test mode.
	if !cfg.RegressionTest {
		return nil
	}

	// Remove the old regression test database if it already exists.
	if fileExists(dbPath) {
		hrzdLog.Infof("Removing regression test database from '%s'", dbPath)
		return os.RemoveAll(dbPath)
	}
	return nil
}

// fileExists reports whether the named file or directory exists.
func fileExists(name string) bool {
	if _, err := os.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}
	return true
}

// loadChainDB opens (or creates when needed) the chain database.  The
// regression test database is recreated on every start.
func loadChainDB() (*leveldb.DB, error) {
	dbPath := filepath.Join(cfg.DataDir, chainDbName)

	// The regression test is special in that it needs a clean database for
	// each run, so remove it now if it already exists.
	if err := removeRegressionDB(dbPath); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, err
	}

	hrzdLog.Infof("Loading chain database from '%s'", dbPath)
	db, err := leveldb.OpenFile(dbPath, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to open chain database: %v", err)
	}

	hrzdLog.Info("Chain database loaded")
	return db, nil
}

func main() {
	// Block processing can cause bursty allocations.  This limits the
	// garbage collector from excessively overallocating during bursts.
	debug.SetGCPercent(30)

	// Work around defer not working after os.Exit()
	if err := horizondMain(); err != nil {
		os.Exit(1)
	}
}
