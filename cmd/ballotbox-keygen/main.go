// Command ballotbox-keygen prints a fresh tally authority key pair. The
// public key goes to the node as ballot.authoritykey, the private key stays
// with the authority that opens the sealed ballots.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
	"github.com/vocdoni/ballotbox/crypto/sealer"
	"github.com/vocdoni/ballotbox/types"
)

type keyPair struct {
	PublicKey  types.HexBytes `json:"publicKey"`
	PrivateKey types.HexBytes `json:"privateKey"`
}

func main() {
	asJSON := flag.BoolP("json", "j", false, "print the key pair as JSON")
	flag.Parse()

	pub, priv, err := sealer.GenerateKeyPair()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating key pair: %v\n", err)
		os.Exit(1)
	}
	kp := keyPair{PublicKey: pub[:], PrivateKey: priv[:]}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(kp); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding key pair: %v\n", err)
			os.Exit(1)
		}
		return
	}
	fmt.Printf("public key:  %s\n", kp.PublicKey.String())
	fmt.Printf("private key: %s\n", kp.PrivateKey.String())
}
