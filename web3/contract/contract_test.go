package contract

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	qt "github.com/frankban/quicktest"
)

func TestDefaultABI(t *testing.T) {
	c := qt.New(t)
	parsed := DefaultABI()
	c.Assert(parsed.Methods[MethodGetBallot].Outputs, qt.HasLen, 4)
	ev := parsed.Events[EventBallotSubmitted]
	c.Assert(ev.Inputs[0].Indexed, qt.IsTrue)
	c.Assert(ev.Inputs[2].Indexed, qt.IsFalse)
}

func TestParseABIMissingMethod(t *testing.T) {
	c := qt.New(t)
	_, err := ParseABI([]byte(`[{"type":"function","name":"hasVoted","inputs":[],"outputs":[]}]`))
	c.Assert(err, qt.ErrorMatches, `ABI has no method .*`)
	_, err = ParseABI([]byte(`not json`))
	c.Assert(err, qt.IsNotNil)
}

func TestDeploymentDescriptor(t *testing.T) {
	c := qt.New(t)
	path := filepath.Join(t.TempDir(), "deploy", "election_deploy.json")
	addr := common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

	c.Assert(SaveDeployment(path, &Deployment{Address: addr}), qt.IsNil)
	d, err := LoadDeployment(path)
	c.Assert(err, qt.IsNil)
	c.Assert(d.Address, qt.Equals, addr)
	parsed, err := d.ParsedABI()
	c.Assert(err, qt.IsNil)
	c.Assert(parsed.Methods, qt.HasLen, 5)

	c.Run("no abi uses default", func(c *qt.C) {
		d := &Deployment{Address: addr}
		parsed, err := d.ParsedABI()
		c.Assert(err, qt.IsNil)
		c.Assert(parsed.Events, qt.HasLen, 1)
	})
	c.Run("no address", func(c *qt.C) {
		p := filepath.Join(t.TempDir(), "bad.json")
		c.Assert(SaveDeployment(p, &Deployment{ABI: json.RawMessage(BallotBoxABI)}), qt.IsNil)
		_, err := LoadDeployment(p)
		c.Assert(err, qt.IsNotNil)
	})
	c.Run("missing file", func(c *qt.C) {
		_, err := LoadDeployment(filepath.Join(t.TempDir(), "none.json"))
		c.Assert(err, qt.IsNotNil)
	})
}
