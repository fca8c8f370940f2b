package main

import (
	"fmt"
	"os"

	"relaybot/internal/infra/config"
)

func runEncrypt(args []string) error {
	out, err := encryptSecret(args, os.Getenv)
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

// encryptSecret returns the "enc:"-prefixed form of the single argument,
// keyed by the passphrase in KeyEnv.
func encryptSecret(args []string, getenv func(string) string) (string, error) {
	if len(args) != 1 || args[0] == "" {
		return "", fmt.Errorf("usage: relaybot encrypt <value>")
	}
	passphrase := getenv(config.KeyEnv)
	if passphrase == "" {
		return "", fmt.Errorf("%s is not set; export the passphrase used to decrypt the config", config.KeyEnv)
	}
	enc, err := config.EncryptValue(args[0], passphrase)
	if err != nil {
		return "", err
	}
	return config.EncPrefix + enc, nil
}
