package venue

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"basis-engine/pkg/types"
)

// CEXCredentials is the HMAC key pair for a centralized exchange.
type CEXCredentials struct {
	APIKey    string
	APISecret string
}

// ChainCredentials holds the signing key for on-chain venues. One key per
// environment covers lending, staking, DEX, and flash-loan venues; they all
// transact from the same wallet.
type ChainCredentials struct {
	PrivateKey *ecdsa.PrivateKey
	Address    common.Address
}

// Credentials loads every secret exactly once per run, keyed by the
// BASIS_ENVIRONMENT selector. Env var layout:
//
//	BASIS_<ENV>_<VENUE>_API_KEY     CEX HMAC key
//	BASIS_<ENV>_<VENUE>_API_SECRET  CEX HMAC secret
//	BASIS_<ENV>_CHAIN_KEY           hex private key for on-chain venues
//
// where <ENV> is DEV, STAGING, or PROD and <VENUE> is the upper-cased venue
// identifier. Both execution and position-read interfaces for a venue are
// built from the same credential set.
type Credentials struct {
	env   types.Environment
	cex   map[string]CEXCredentials
	chain *ChainCredentials
}

// LoadCredentials reads the environment's secrets for the named CEX venues.
// needChain controls whether the on-chain key is required.
func LoadCredentials(env types.Environment, cexVenues []string, needChain bool) (*Credentials, error) {
	prefix := "BASIS_" + strings.ToUpper(string(env)) + "_"

	c := &Credentials{env: env, cex: make(map[string]CEXCredentials)}
	for _, name := range cexVenues {
		keyVar := prefix + strings.ToUpper(name) + "_API_KEY"
		secretVar := prefix + strings.ToUpper(name) + "_API_SECRET"
		key, secret := os.Getenv(keyVar), os.Getenv(secretVar)
		if key == "" || secret == "" {
			return nil, types.Codedf(types.CodeConfMissingField,
				"missing credentials for venue %q: set %s and %s", name, keyVar, secretVar)
		}
		c.cex[name] = CEXCredentials{APIKey: key, APISecret: secret}
	}

	if needChain {
		keyVar := prefix + "CHAIN_KEY"
		keyHex := os.Getenv(keyVar)
		if keyHex == "" {
			return nil, types.Codedf(types.CodeConfMissingField,
				"missing on-chain key: set %s", keyVar)
		}
		keyHex = strings.TrimPrefix(keyHex, "0x")
		pk, err := crypto.HexToECDSA(keyHex)
		if err != nil {
			return nil, types.Coded(types.CodeConfMissingField,
				fmt.Errorf("parse %s: %w", keyVar, err))
		}
		c.chain = &ChainCredentials{
			PrivateKey: pk,
			Address:    crypto.PubkeyToAddress(pk.PublicKey),
		}
	}
	return c, nil
}

// CEX returns the HMAC credentials for a venue.
func (c *Credentials) CEX(venueName string) (CEXCredentials, error) {
	if creds, ok := c.cex[venueName]; ok {
		return creds, nil
	}
	return CEXCredentials{}, types.Codedf(types.CodeConfMissingField,
		"no credentials loaded for venue %q", venueName)
}

// Chain returns the on-chain signing credentials.
func (c *Credentials) Chain() (*ChainCredentials, error) {
	if c.chain == nil {
		return nil, types.Codedf(types.CodeConfMissingField, "no on-chain key loaded")
	}
	return c.chain, nil
}

// Environment returns the selector the credentials were loaded for.
func (c *Credentials) Environment() types.Environment { return c.env }
