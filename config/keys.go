package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nyxmesh/corerelay/crypto/suite"
)

const (
	identityPrivateKeyFile = "identity.private.key"
	identityPublicKeyFile  = "identity.public.key"
	linkPrivateKeyFile     = "link.private.key"
	linkPublicKeyFile      = "link.public.key"
)

// LoadOrGenerateIdentity reads the node's long-term signing keypair from
// DataDir, generating and persisting a fresh one on first run, following
// Katzenpost's identity.private.pem convention (server/server.go) minus
// the PEM envelope, since this system's hybrid keys have no PEM block
// type registered for them.
func LoadOrGenerateIdentity(dataDir string) (*suite.SignPrivateKey, error) {
	skPath := filepath.Join(dataDir, identityPrivateKeyFile)
	if b, err := os.ReadFile(skPath); err == nil {
		sk := new(suite.SignPrivateKey)
		if err := sk.UnmarshalBinary(b); err != nil {
			return nil, fmt.Errorf("config: unmarshal identity key: %w", err)
		}
		return sk, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	sk, pk, err := suite.SignKeygen()
	if err != nil {
		return nil, fmt.Errorf("config: generate identity key: %w", err)
	}
	if err := writeKeyPair(dataDir, identityPrivateKeyFile, identityPublicKeyFile, sk, pk); err != nil {
		return nil, err
	}
	return sk, nil
}

// LoadOrGenerateLink reads the node's long-term encapsulation keypair,
// the one advertised to the registry as encapsulation_pk and used to
// answer circuit setup packets, generating one on first run.
func LoadOrGenerateLink(dataDir string) (*suite.KEMPrivateKey, error) {
	skPath := filepath.Join(dataDir, linkPrivateKeyFile)
	if b, err := os.ReadFile(skPath); err == nil {
		sk := new(suite.KEMPrivateKey)
		if err := sk.UnmarshalBinary(b); err != nil {
			return nil, fmt.Errorf("config: unmarshal link key: %w", err)
		}
		return sk, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	sk, pk, err := suite.KEMKeygen()
	if err != nil {
		return nil, fmt.Errorf("config: generate link key: %w", err)
	}
	if err := writeKeyPair(dataDir, linkPrivateKeyFile, linkPublicKeyFile, sk, pk); err != nil {
		return nil, err
	}
	return sk, nil
}

// LoadOrGenerateIdentityFile is LoadOrGenerateIdentity for a caller that
// keeps a single identity key file rather than a full node data
// directory, the shape relayctl needs.
func LoadOrGenerateIdentityFile(path string) (*suite.SignPrivateKey, error) {
	if b, err := os.ReadFile(path); err == nil {
		sk := new(suite.SignPrivateKey)
		if err := sk.UnmarshalBinary(b); err != nil {
			return nil, fmt.Errorf("config: unmarshal identity key: %w", err)
		}
		return sk, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	sk, _, err := suite.SignKeygen()
	if err != nil {
		return nil, fmt.Errorf("config: generate identity key: %w", err)
	}
	skBytes, err := sk.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, err
		}
	}
	if err := os.WriteFile(path, skBytes, 0600); err != nil {
		return nil, fmt.Errorf("config: write %s: %w", path, err)
	}
	return sk, nil
}

type marshaler interface {
	MarshalBinary() ([]byte, error)
}

func writeKeyPair(dataDir, skFile, pkFile string, sk, pk marshaler) error {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return err
	}
	skBytes, err := sk.MarshalBinary()
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dataDir, skFile), skBytes, 0600); err != nil {
		return fmt.Errorf("config: write %s: %w", skFile, err)
	}
	pkBytes, err := pk.MarshalBinary()
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dataDir, pkFile), pkBytes, 0644); err != nil {
		return fmt.Errorf("config: write %s: %w", pkFile, err)
	}
	return nil
}
