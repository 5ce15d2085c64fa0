// Package main implements cloudctl, a command line client for a cloud
// secure area: registration, key lifecycle and signing against a server
// enclave, with local state in SQLite and keys in a software key store.
package main

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/cloudarea/cloudarea"
	"github.com/mesmerverse/cloudarea/keystore"
	"github.com/mesmerverse/cloudarea/storage"
	"github.com/mesmerverse/cloudarea/transport"
)

// Version is set at build time
var Version = "dev"

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: cloudctl [flags] <command> [args]

Commands:
  register <passphrase> --root <pem>   register this device
  unregister                           drop the local registration
  create-key <name>                    create a cloud-held key
  sign <name> <file>                   sign a file, base64 to stdout
  key-info <name>                      show cached key metadata
  delete-key <name>                    delete a key locally

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", "cloudctl.yaml", "Path to configuration file")
	identifier := flag.String("identifier", "", "Cloud secure area identifier (overrides config)")
	rootPEM := flag.String("root", "", "PEM file with the authorized attestation root (register)")
	passphraseRequired := flag.Bool("passphrase-required", false, "Gate the new key on the passphrase (create-key)")
	userAuthRequired := flag.Bool("user-auth-required", false, "Gate the new key on user authentication (create-key)")
	passphrase := flag.String("passphrase", "", "Passphrase for gated operations (sign)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = usage
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *identifier != "" {
		cfg.Identifier = *identifier
	}
	if cfg.Identifier == "" {
		// First run on this config: mint a fresh identifier and save it,
		// or the next run would not find the registration.
		cfg.Identifier = cloudarea.IdentifierPrefix + uuid.NewString()
		if err := SaveConfig(*configPath, cfg); err != nil {
			log.Fatal().Err(err).Msg("Failed to save generated identifier")
		}
		log.Info().Str("identifier", cfg.Identifier).Msg("Generated new identifier")
	}

	area, closeArea, err := buildArea(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build client")
	}
	defer closeArea()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cmdOpts := &commandOptions{
		rootPEM:            *rootPEM,
		passphrase:         *passphrase,
		passphraseRequired: *passphraseRequired,
		userAuthRequired:   *userAuthRequired,
	}
	if err := runCommand(ctx, area, flag.Args(), cmdOpts); err != nil {
		log.Fatal().Err(err).Str("command", flag.Arg(0)).Msg("Command failed")
	}
}

type commandOptions struct {
	rootPEM            string
	passphrase         string
	passphraseRequired bool
	userAuthRequired   bool
}

func buildArea(cfg *Config) (*cloudarea.CloudArea, func(), error) {
	var envelope transport.Envelope
	closeFn := func() {}

	switch cfg.Transport {
	case "http":
		envelope = transport.NewHTTPEnvelope(cfg.HTTP.URL)
	case "vsock":
		envelope = transport.NewVsockEnvelope(cfg.Vsock.URL, cfg.Vsock.CID, cfg.Vsock.Port, cfg.Vsock.DevMode)
	case "nats":
		env, err := transport.NewNATSEnvelope(cfg.NATS)
		if err != nil {
			return nil, nil, fmt.Errorf("connect NATS: %w", err)
		}
		envelope = env
		closeFn = env.Close
	default:
		return nil, nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}

	dek, err := loadDEK(cfg.Storage.DEKFile)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o700); err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("create storage directory: %w", err)
	}
	store, err := storage.NewSQLiteStore(cfg.Storage.Path, dek)
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}

	ksPath := filepath.Join(filepath.Dir(cfg.Storage.Path), "keystore.cbor")
	ks, err := keystore.LoadSoftwareKeyStore(ksPath, "cloudctl-device")
	if err != nil {
		store.Close()
		closeFn()
		return nil, nil, fmt.Errorf("key store: %w", err)
	}
	area, err := cloudarea.New(cfg.Identifier, envelope, store, ks)
	if err != nil {
		store.Close()
		closeFn()
		return nil, nil, err
	}
	closeAll := func() {
		if err := ks.Save(ksPath); err != nil {
			log.Warn().Err(err).Msg("Failed to save key store")
		}
		store.Close()
		closeFn()
	}
	return area, closeAll, nil
}

func runCommand(ctx context.Context, area *cloudarea.CloudArea, args []string, opts *commandOptions) error {
	switch args[0] {
	case "register":
		if len(args) != 2 {
			return errors.New("usage: register <passphrase> --root <pem>")
		}
		return cmdRegister(ctx, area, args[1], opts.rootPEM)
	case "unregister":
		return area.Unregister()
	case "create-key":
		if len(args) != 2 {
			return errors.New("usage: create-key <name>")
		}
		return cmdCreateKey(ctx, area, args[1], opts)
	case "sign":
		if len(args) != 3 {
			return errors.New("usage: sign <name> <file>")
		}
		return cmdSign(ctx, area, args[1], args[2], opts.passphrase)
	case "key-info":
		if len(args) != 2 {
			return errors.New("usage: key-info <name>")
		}
		return cmdKeyInfo(area, args[1])
	case "delete-key":
		if len(args) != 2 {
			return errors.New("usage: delete-key <name>")
		}
		return area.DeleteKey(args[1])
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func cmdRegister(ctx context.Context, area *cloudarea.CloudArea, passphrase, rootPEM string) error {
	if rootPEM == "" {
		return errors.New("--root is required for register")
	}
	root, err := loadRootCert(rootPEM)
	if err != nil {
		return err
	}
	authorizeRoot := func(candidate *x509.Certificate) error {
		if !candidate.Equal(root) {
			return errors.New("attestation root is not the configured one")
		}
		return nil
	}
	constraints := cloudarea.PassphraseConstraints{MinLength: 4, MaxLength: 64}
	if err := area.Register(ctx, passphrase, constraints, authorizeRoot); err != nil {
		return err
	}
	log.Info().Str("identifier", area.Identifier()).Msg("Registered")
	return nil
}

func cmdCreateKey(ctx context.Context, area *cloudarea.CloudArea, name string, opts *commandOptions) error {
	info, err := area.CreateKey(ctx, name, cloudarea.CreateKeySettings{
		Purposes:           keystore.PurposeSign | keystore.PurposeAgreeKey,
		Curve:              keystore.CurveP256,
		PassphraseRequired: opts.passphraseRequired,
		UserAuthRequired:   opts.userAuthRequired,
	})
	if err != nil {
		return err
	}
	log.Info().
		Str("key", info.Name).
		Bool("passphrase_required", info.PassphraseRequired).
		Bool("user_auth_required", info.UserAuthRequired).
		Msg("Key created")
	return nil
}

func cmdSign(ctx context.Context, area *cloudarea.CloudArea, name, path, passphrase string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	var unlock *cloudarea.KeyUnlockData
	if passphrase != "" {
		unlock = &cloudarea.KeyUnlockData{Passphrase: passphrase}
	}
	sig, err := area.Sign(ctx, name, keystore.AlgES256, data, unlock)
	if err != nil {
		var locked *cloudarea.KeyLockedError
		if errors.As(err, &locked) {
			return fmt.Errorf("key is locked (%s); pass --passphrase or authenticate", locked.Reason)
		}
		return err
	}
	fmt.Println(base64.StdEncoding.EncodeToString(sig))
	return nil
}

func cmdKeyInfo(area *cloudarea.CloudArea, name string) error {
	info, err := area.GetKeyInfo(name)
	if err != nil {
		return err
	}
	invalidated, err := area.GetKeyInvalidated(name)
	if err != nil {
		return err
	}
	fmt.Printf("name:                %s\n", info.Name)
	fmt.Printf("purposes:            %#x\n", uint32(info.Purposes))
	fmt.Printf("curve:               %d\n", uint32(info.Curve))
	fmt.Printf("passphrase required: %v\n", info.PassphraseRequired)
	fmt.Printf("user auth required:  %v\n", info.UserAuthRequired)
	fmt.Printf("hardware backed:     %v\n", info.HardwareBacked)
	fmt.Printf("invalidated:         %v\n", invalidated)
	if !info.ValidFrom.IsZero() {
		fmt.Printf("valid from:          %s\n", info.ValidFrom.Format(time.RFC3339))
	}
	if !info.ValidUntil.IsZero() {
		fmt.Printf("valid until:         %s\n", info.ValidUntil.Format(time.RFC3339))
	}
	fmt.Printf("local chain:         %d certificates\n", len(info.LocalAttestation))
	fmt.Printf("remote chain:        %d certificates\n", len(info.RemoteAttestation))
	return nil
}

func loadRootCert(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read root certificate: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("root file does not hold a PEM certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse root certificate: %w", err)
	}
	return cert, nil
}
