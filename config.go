// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"
	"github.com/multiformats/go-multiaddr"
	"github.com/utreexo/horizond/chaincfg"
	"github.com/utreexo/horizond/netsync"
)

const (
	defaultConfigFilename = "horizond.conf"
	defaultDataDirname    = "data"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "horizond.log"
	defaultIdentityFile   = "identity.key"
)

var (
	defaultHomeDir    = btcutil.AppDataDir("horizond", false)
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultDataDir    = filepath.Join(defaultHomeDir, defaultDataDirname)
	defaultLogDir     = filepath.Join(defaultHomeDir, defaultLogDirname)
)

// config defines the configuration options for horizond.
//
// See loadConfig for details on the configuration load process.
type config struct {
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir     string `short:"b" long:"datadir" description:"Directory to store data"`
	LogDir      string `long:"logdir" description:"Directory to log output."`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	Listeners      []string `long:"listen" description:"Add a multiaddr to listen for peers on (default: /ip4/0.0.0.0/tcp/<port for the network>)"`
	ConnectPeers   []string `long:"connect" description:"Connect to the peer with the given /p2p multiaddr at startup"`
	TestNet        bool     `long:"testnet" description:"Use the test network"`
	RegressionTest bool     `long:"regtest" description:"Use the regression test network"`

	Prune          bool   `long:"prune" description:"Only keep the block bodies within the pruning horizon and sync the horizon state instead of the full history"`
	PruningHorizon uint64 `long:"pruninghorizon" description:"Number of blocks below the tip whose bodies are kept by a pruned node (default: the horizon of the network)"`

	LivenessInterval time.Duration `long:"livenessinterval" description:"Time between two chain metadata exchanges with the connected peers"`
	BehindTolerance  uint64        `long:"behindtolerance" description:"Number of blocks the node may trail its best peer before it syncs right away"`
	LaggingTimeout   time.Duration `long:"laggingtimeout" description:"How long the node may stay behind within the tolerance before it syncs anyway"`
	MaxLatency       time.Duration `long:"maxlatency" description:"Average response latency above which a sync peer is abandoned; negative disables the bound"`
	BlocksPerRequest uint64        `long:"blocksperrequest" description:"Number of block bodies requested at once during a block sync"`
	BanDuration      time.Duration `long:"banduration" description:"How long to ban misbehaving peers for"`
	NoRelayBlocks    bool          `long:"norelayblocks" description:"Do not announce reconciled blocks to the other peers"`
	RequestTimeout   time.Duration `long:"requesttimeout" description:"Timeout of a single read or write of a peer request"`

	MinRelayFee    int64 `long:"minrelayfee" description:"The minimum total kernel fee in atomic units for a transaction to be accepted into the mempool"`
	MaxUnconfirmed int   `long:"maxunconfirmed" description:"Maximum number of unconfirmed transactions kept in the mempool (default: 10000)"`

	MetricsListen string `long:"metricslisten" description:"Serve prometheus metrics on the given address (eg. 127.0.0.1:9661)"`
	Profile       string `long:"profile" description:"Enable HTTP profiling on given port -- NOTE port must be between 1024 and 65536"`
	CPUProfile    string `long:"cpuprofile" description:"Write CPU profile to the specified file"`

	params       *chaincfg.Params
	listenAddrs  []multiaddr.Multiaddr
	connectAddrs []multiaddr.Multiaddr
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(defaultHomeDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but they variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace", "debug", "info", "warn", "error", "critical":
		return true
	}
	return false
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	// Convert the subsystemLoggers map keys to a slice.
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}

	// Sort the subsystems for stable display.
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		// Validate debug log level.
		if !validLogLevel(debugLevel) {
			str := "The specified debug level [%v] is invalid"
			return fmt.Errorf(str, debugLevel)
		}

		// Change the logging level for all subsystems.
		setLogLevels(debugLevel)

		return nil
	}

	// Split the specified string into subsystem/level pairs while detecting
	// issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			str := "The specified debug level contains an invalid " +
				"subsystem/level pair [%v]"
			return fmt.Errorf(str, logLevelPair)
		}

		// Extract the specified subsystem and log level.
		fields := strings.Split(logLevelPair, "=")
		subsysID, logLevel := fields[0], fields[1]

		// Validate subsystem.
		if _, exists := subsystemLoggers[subsysID]; !exists {
			str := "The specified subsystem [%v] is invalid -- " +
				"supported subsytems %v"
			return fmt.Errorf(str, subsysID, supportedSubsystems())
		}

		// Validate log level.
		if !validLogLevel(logLevel) {
			str := "The specified debug level [%v] is invalid"
			return fmt.Errorf(str, logLevel)
		}

		setLogLevel(subsysID, logLevel)
	}

	return nil
}

// parseMultiaddrs parses every address in addrs.
func parseMultiaddrs(addrs []string) ([]multiaddr.Multiaddr, error) {
	parsed := make([]multiaddr.Multiaddr, 0, len(addrs))
	for _, addr := range addrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid multiaddr %q: %v", addr, err)
		}
		parsed = append(parsed, ma)
	}
	return parsed, nil
}

// syncConfig returns the sync configuration derived from the options.  The
// collaborators are filled in by the server.
func (cfg *config) syncConfig() netsync.Config {
	sc := netsync.DefaultConfig()
	if cfg.LivenessInterval > 0 {
		sc.LivenessInterval = cfg.LivenessInterval
	}
	if cfg.BehindTolerance > 0 {
		sc.BehindTolerance = cfg.BehindTolerance
	}
	if cfg.LaggingTimeout > 0 {
		sc.LaggingTimeout = cfg.LaggingTimeout
	}
	if cfg.MaxLatency != 0 {
		sc.MaxLatency = cfg.MaxLatency
	}
	if cfg.BlocksPerRequest > 0 {
		sc.BlocksPerRequest = cfg.BlocksPerRequest
	}
	if cfg.BanDuration > 0 {
		sc.BanDuration = cfg.BanDuration
	}
	sc.RelayBlocks = !cfg.NoRelayBlocks
	return sc
}

// newConfigParser returns a new command line flags parser.
func newConfigParser(cfg *config, options flags.Options) *flags.Parser {
	return flags.NewParser(cfg, options)
}

// loadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in horizond functioning properly without any config
// settings while still allowing the user to override settings with config
// files and command line options.  Command line options always take
// precedence.
func loadConfig() (*config, []string, error) {
	// Default config.
	cfg := config{
		ConfigFile: defaultConfigFile,
		DebugLevel: defaultLogLevel,
		DataDir:    defaultDataDir,
		LogDir:     defaultLogDir,
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.  Any errors aside from the
	// help message error can be ignored here since they will be caught by
	// the final parse below.
	preCfg := cfg
	preParser := newConfigParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", version())
		os.Exit(0)
	}

	// Load additional config from file.
	var configFileError error
	parser := newConfigParser(&cfg, flags.Default)
	err = flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			fmt.Fprintf(os.Stderr, "Error parsing config "+
				"file: %v\n", err)
			fmt.Fprintln(os.Stderr, usageMessage)
			return nil, nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		var e *flags.Error
		if !errors.As(err, &e) || e.Type != flags.ErrHelp {
			fmt.Fprintln(os.Stderr, usageMessage)
		}
		return nil, nil, err
	}

	// Multiple networks can't be selected simultaneously.
	funcName := "loadConfig"
	cfg.params = &chaincfg.MainNetParams
	numNets := 0
	if cfg.TestNet {
		numNets++
		cfg.params = &chaincfg.TestNetParams
	}
	if cfg.RegressionTest {
		numNets++
		cfg.params = &chaincfg.RegressionNetParams
	}
	if numNets > 1 {
		str := "%s: The testnet and regtest params can't be used " +
			"together -- choose one of the two"
		err := fmt.Errorf(str, funcName)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// Append the network type to the data and log directories so they
	// are "namespaced" per network.
	cfg.DataDir = filepath.Join(cleanAndExpandPath(cfg.DataDir), cfg.params.Name)
	cfg.LogDir = filepath.Join(cleanAndExpandPath(cfg.LogDir), cfg.params.Name)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Initialize log rotation.  After log rotation has been initialized, the
	// logger variables may be used.
	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("%s: %v", funcName, err.Error())
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// A pruning horizon implies pruning.
	if cfg.PruningHorizon > 0 {
		cfg.Prune = true
	}
	if cfg.Prune && cfg.PruningHorizon == 0 {
		cfg.PruningHorizon = cfg.params.DefaultPruningHorizon
	}

	if cfg.MinRelayFee < 0 {
		str := "%s: The minrelayfee option may not be negative -- " +
			"parsed [%d]"
		err := fmt.Errorf(str, funcName, cfg.MinRelayFee)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// Add the default listener if none were specified.
	if len(cfg.Listeners) == 0 {
		cfg.Listeners = []string{
			"/ip4/0.0.0.0/tcp/" + cfg.params.DefaultPort,
		}
	}
	cfg.listenAddrs, err = parseMultiaddrs(cfg.Listeners)
	if err != nil {
		err := fmt.Errorf("%s: %v", funcName, err)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}
	cfg.connectAddrs, err = parseMultiaddrs(cfg.ConnectPeers)
	if err != nil {
		err := fmt.Errorf("%s: %v", funcName, err)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Warn about missing config file only after all other configuration is
	// done.  This prevents the warning on help messages and invalid
	// options.  Note this should go directly before the return.
	if configFileError != nil {
		hrzdLog.Warnf("%v", configFileError)
	}

	return &cfg, remainingArgs, nil
}
