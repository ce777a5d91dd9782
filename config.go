// Copyright (c) 2016 The Openchain developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"net/url"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"

	"github.com/openchain/btcgateway/netparams"
)

const (
	defaultConfigFilename = "btcgateway.conf"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "btcgateway.log"
	defaultFee            = 5000
	defaultPollInterval   = 5 * time.Second
	defaultRequestTimeout = 30 * time.Second
)

var (
	btcgatewayHomeDir = btcutil.AppDataDir("btcgateway", false)
	defaultConfigFile = filepath.Join(btcgatewayHomeDir, defaultConfigFilename)
	defaultLogDir     = filepath.Join(btcgatewayHomeDir, defaultLogDirname)
)

// config defines the configuration options for the gateway.
//
// See loadConfig for details on the configuration load process.
type config struct {
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
	LogDir      string `long:"logdir" description:"Directory to log output"`

	TestNet3 bool `long:"testnet" description:"Use the test Bitcoin network (version 3)"`
	SimNet   bool `long:"simnet" description:"Use the simulation Bitcoin network"`

	ChainAPI  string `long:"chainapi" description:"Base URL of the Bitcoin chain explorer API"`
	LedgerAPI string `long:"ledgerapi" description:"Base URL of the Openchain ledger API"`
	AssetName string `long:"asset" description:"Name of the pegged asset, used to derive the ledger paths"`

	ReceivingKey string `long:"receivingkey" description:"WIF encoded private key of the deposit receiving address" default-mask:"-"`
	StorageKey   string `long:"storagekey" description:"WIF encoded private key of the storage address" default-mask:"-"`
	LedgerKey    string `long:"ledgerkey" description:"WIF encoded private key used to sign ledger mutations" default-mask:"-"`

	Fee            int64         `long:"fee" description:"Transaction fee in satoshis paid by outgoing transactions"`
	PollInterval   time.Duration `long:"pollinterval" description:"Interval between deposit and withdrawal scan cycles"`
	RequestTimeout time.Duration `long:"requesttimeout" description:"Timeout applied to chain and ledger API requests"`

	PaymentRequestListen string `long:"paymentrequestlisten" description:"Interface/port to serve BIP70 payment requests on (disabled when empty)"`
}

// cleanAndExpandPath expands environement variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(btcgatewayHomeDir)
		if u, err := user.Current(); err == nil {
			homeDir = u.HomeDir
		}
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but they variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// validLedgerURL parses rawurl and ensures it is an absolute http or https
// URL.
func validLedgerURL(rawurl string) (*url.URL, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host in URL %q", rawurl)
	}
	return u, nil
}

// decodeNetworkKey decodes a WIF encoded private key and ensures it was
// created for the active network.
func decodeNetworkKey(wifStr, option string) (*btcutil.WIF, error) {
	wif, err := btcutil.DecodeWIF(wifStr)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid WIF private key: %v",
			option, err)
	}
	if !wif.IsForNet(activeNet.Params) {
		return nil, fmt.Errorf("%s: private key is not intended for %s",
			option, activeNet.Name)
	}
	return wif, nil
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
// The above results in the gateway functioning properly without any config
// settings while still allowing the user to override settings with config
// files and command line options.  Command line options always take precedence.
func loadConfig() (*config, []string, error) {
	// Default config.
	cfg := config{
		DebugLevel:     defaultLogLevel,
		ConfigFile:     defaultConfigFile,
		LogDir:         defaultLogDir,
		Fee:            defaultFee,
		PollInterval:   defaultPollInterval,
		RequestTimeout: defaultRequestTimeout,
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.Default)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			preParser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Show the version and exit if the version flag was specified.
	funcName := "loadConfig"
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", version())
		os.Exit(0)
	}

	// Load additional config from file.
	var configFileError error
	parser := flags.NewParser(&cfg, flags.Default)
	configFilePath := cleanAndExpandPath(preCfg.ConfigFile)
	err = flags.NewIniParser(parser).ParseFile(configFilePath)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			fmt.Fprintln(os.Stderr, err)
			parser.WriteHelp(os.Stderr)
			return nil, nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Multiple networks can't be selected simultaneously.
	numNets := 0
	if cfg.TestNet3 {
		activeNet = &netparams.TestNet3Params
		numNets++
	}
	if cfg.SimNet {
		activeNet = &netparams.SimNetParams
		numNets++
	}
	if numNets > 1 {
		str := "%s: The testnet and simnet params can't be used " +
			"together -- choose one"
		err := fmt.Errorf(str, funcName)
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	// Append the network type to the log directory so it is "namespaced"
	// per network.
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.LogDir = filepath.Join(cfg.LogDir, activeNet.Params.Name)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Initialize log rotation.  After log rotation has been initialized,
	// the logger variables may be used.
	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("%s: %v", funcName, err.Error())
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// The chain and ledger API endpoints are required for the gateway to
	// do anything useful.
	if cfg.ChainAPI == "" {
		err := fmt.Errorf("%s: the chainapi option must be specified",
			funcName)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}
	if _, err := validLedgerURL(cfg.ChainAPI); err != nil {
		err := fmt.Errorf("%s: invalid chainapi: %v", funcName, err)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}
	if cfg.LedgerAPI == "" {
		err := fmt.Errorf("%s: the ledgerapi option must be specified",
			funcName)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}
	if _, err := validLedgerURL(cfg.LedgerAPI); err != nil {
		err := fmt.Errorf("%s: invalid ledgerapi: %v", funcName, err)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}
	if cfg.AssetName == "" {
		err := fmt.Errorf("%s: the asset option must be specified",
			funcName)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// All three signing keys are required.
	for _, opt := range []struct {
		name  string
		value string
	}{
		{"receivingkey", cfg.ReceivingKey},
		{"storagekey", cfg.StorageKey},
		{"ledgerkey", cfg.LedgerKey},
	} {
		if opt.value == "" {
			err := fmt.Errorf("%s: the %s option must be specified",
				funcName, opt.name)
			fmt.Fprintln(os.Stderr, err)
			fmt.Fprintln(os.Stderr, usageMessage)
			return nil, nil, err
		}
	}

	if cfg.Fee <= 0 {
		err := fmt.Errorf("%s: the fee option must be a positive "+
			"number of satoshis", funcName)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}
	if cfg.PollInterval <= 0 {
		err := fmt.Errorf("%s: the pollinterval option must be a "+
			"positive duration", funcName)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Warn about missing config file after the final command line parse
	// succeeds.  This prevents the warning on help messages and invalid
	// options.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	return &cfg, remainingArgs, nil
}
