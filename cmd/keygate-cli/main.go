package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/perimeterlab/keygate/client"
	"github.com/perimeterlab/keygate/internal/sshkey"
)

var (
	verboseFlag        bool
	issuerURLFlag      string
	clientIDFlag       string
	endpointFlag       string
	configPathFlag     string
	keyOutputPathFlag  string
	kubeconfigPathFlag string
	roleFlag           string
	ttlFlag            string
	deviceCodeFlag     bool
)

func initFlags() {
	flag.StringVar(&issuerURLFlag, "issuer-url", "", "OIDC issuer URL (Keycloak realm URL)")
	flag.StringVar(&clientIDFlag, "client-id", "", "Client ID for the identity provider")
	flag.StringVar(&endpointFlag, "endpoint", "", "Keygate endpoint")
	flag.BoolVar(&verboseFlag, "verbose", false, "Enable verbose output")
	flag.StringVar(&configPathFlag, "config", filepath.Join(os.Getenv("HOME"), ".config/keygate/config"), "Path to the configuration file")
	flag.StringVar(&keyOutputPathFlag, "key-output-path", filepath.Join(os.Getenv("HOME"), ".ssh"), "Path to save the generated keys")
	flag.StringVar(&kubeconfigPathFlag, "kubeconfig-output-path", "", "Also fetch a kubeconfig and write it to this path")
	flag.StringVar(&roleFlag, "role", "", "Request a specific role at or below your resolved tier")
	flag.StringVar(&ttlFlag, "ttl", "", "Time to live for the signed key, e.g. 2h")
	flag.BoolVar(&deviceCodeFlag, "device-code", false, "Use device code flow for authentication")
	flag.Parse()
}

func loadClientConfig() (ClientConfig, error) {
	cfg := loadConfig(configPathFlag)

	// Override with CLI flags if provided
	if issuerURLFlag != "" {
		cfg.IssuerURL = issuerURLFlag
	}
	if clientIDFlag != "" {
		cfg.ClientID = clientIDFlag
	}
	if endpointFlag != "" {
		cfg.KeygateEndpoint = endpointFlag
	}
	if keyOutputPathFlag != "" {
		cfg.KeyOutputPath = keyOutputPathFlag
	}
	if kubeconfigPathFlag != "" {
		cfg.KubeconfigPath = kubeconfigPathFlag
	}
	if roleFlag != "" {
		cfg.Role = roleFlag
	}
	if ttlFlag != "" {
		parsedTTL, err := time.ParseDuration(ttlFlag)
		if err != nil {
			return cfg, fmt.Errorf("invalid TTL: %w", err)
		}
		cfg.TTL = parsedTTL
	}

	if cfg.IssuerURL == "" || cfg.ClientID == "" || cfg.KeygateEndpoint == "" {
		return cfg, fmt.Errorf("missing required config values (issuer-url, client-id, endpoint)")
	}

	if deviceCodeFlag {
		cfg.AuthenticationMethod = "device_code"
	}

	return cfg, nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "\n[ERROR] ")
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	fmt.Fprintf(os.Stderr, "\n")
	os.Exit(1)
}

func WriteKeyToFile(path, key string) error {
	return os.WriteFile(path, []byte(key), 0600)
}

func getAuthenticator(cfg ClientConfig) Authenticator {
	if cfg.AuthenticationMethod == "device_code" {
		return &DeviceCodeAuthenticator{}
	}
	return &PKCEAuthenticator{}
}

func run(cfg ClientConfig) error {
	fmt.Println(strings.Repeat("=", 60))
	fmt.Println("Keygate SSH Certificate Client")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Println()

	tokenPath := filepath.Join(filepath.Dir(configPathFlag), "token.json")
	token, err := LoadToken(tokenPath)
	auth := getAuthenticator(cfg)

	if err != nil || token == nil || token.Expiry.Before(time.Now()) {
		token, err = auth.Authenticate(cfg)
		if err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}

		// Save the token for future use
		if err := SaveToken(tokenPath, token); err != nil {
			return fmt.Errorf("failed to save token: %w", err)
		}
	}

	idToken, _ := token.Extra("id_token").(string)
	if idToken == "" {
		return fmt.Errorf("identity provider returned no id_token")
	}

	claims, _ := ParseIDToken(idToken)
	fmt.Printf("User authenticated: %s\n", claims.PreferredUsername)
	fmt.Println()

	fmt.Println("Generating Ed25519 key pair...")
	pubKey, privKey, err := sshkey.NewKeyPair(sshkey.Ed25519)
	if err != nil {
		return fmt.Errorf("failed to generate key pair: %w", err)
	}
	fmt.Println("Key pair generated successfully")
	fmt.Println()

	keygate := client.NewKeygateClient(cfg.KeygateEndpoint, idToken)

	ttl := ""
	if cfg.TTL > 0 {
		ttl = cfg.TTL.String()
	}

	fmt.Println("Submitting public key for signing...")
	resp, err := keygate.SignPublicKey(client.SignRequest{
		PublicKey: pubKey,
		Role:      cfg.Role,
		TTL:       ttl,
	})
	if err != nil {
		return fmt.Errorf("signing failed: %w", err)
	}
	fmt.Printf("Certificate signed successfully (serial %s, role %s, valid until %s)\n",
		resp.Serial, resp.Role, resp.ValidUntil.Local().Format(time.RFC1123))

	if err := saveKeyPair(cfg, pubKey, resp.Certificate, privKey); err != nil {
		return fmt.Errorf("failed to save key pair: %w", err)
	}

	fmt.Println("SSH keys saved to:")
	fmt.Printf("  %s/keygate.pub\n", cfg.KeyOutputPath)
	fmt.Printf("  %s/keygate\n", cfg.KeyOutputPath)
	fmt.Printf("  %s/keygate-cert.pub\n", cfg.KeyOutputPath)

	if cfg.KubeconfigPath != "" {
		fmt.Println()
		fmt.Println("Fetching kubeconfig...")
		doc, err := keygate.Kubeconfig()
		if err != nil {
			return fmt.Errorf("failed to fetch kubeconfig: %w", err)
		}
		if err := WriteKeyToFile(cfg.KubeconfigPath, string(doc)); err != nil {
			return fmt.Errorf("failed to write kubeconfig: %w", err)
		}
		fmt.Printf("Kubeconfig saved to %s\n", cfg.KubeconfigPath)
	}

	fmt.Println()
	fmt.Println(strings.Repeat("=", 60))
	fmt.Println("Done! You can now use your SSH certificate to authenticate.")
	fmt.Println(strings.Repeat("=", 60))

	return nil
}

func saveKeyPair(cfg ClientConfig, pubKey, signedPubKey, privKey string) error {
	files := map[string]string{
		"keygate.pub":      pubKey,
		"keygate":          privKey,
		"keygate-cert.pub": signedPubKey,
	}

	for name, content := range files {
		path := filepath.Join(cfg.KeyOutputPath, name)
		if err := WriteKeyToFile(path, content); err != nil {
			return fmt.Errorf("failed to write %s: %v", name, err)
		}
	}

	return nil
}

func main() {
	initFlags()

	if err := createConfigDir(); err != nil {
		fatalf("failed to create config directory: %v", err)
	}

	cfg, err := loadClientConfig()
	if err != nil {
		fatalf(err.Error())
	}

	if verboseFlag {
		fmt.Printf("Using configuration: %+v\n", cfg)
	}

	if err := run(cfg); err != nil {
		fatalf(err.Error())
	}
}
