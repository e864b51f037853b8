package types

import (
	"encoding/json"
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestHexBytes(t *testing.T) {
	c := qt.New(t)

	c.Run("String", func(c *qt.C) {
		c.Assert(HexBytes(nil).String(), qt.Equals, "0x")
		c.Assert(HexBytes{0x00, 0xAB, 0xCD}.String(), qt.Equals, "0x00abcd")
	})

	c.Run("Bytes32", func(c *qt.C) {
		short := HexBytes{0x01, 0x02}
		b := short.Bytes32()
		c.Assert(b[30], qt.Equals, byte(0x01))
		c.Assert(b[31], qt.Equals, byte(0x02))
		c.Assert(b[0], qt.Equals, byte(0))

		long := make(HexBytes, 33)
		long[0] = 0xFF
		long[32] = 0x07
		b = long.Bytes32()
		c.Assert(b[0], qt.Equals, byte(0))
		c.Assert(b[31], qt.Equals, byte(0x07))
	})

	c.Run("LeftPad", func(c *qt.C) {
		in := HexBytes{0x01}
		out := in.LeftPad(3)
		c.Assert(out, qt.DeepEquals, HexBytes{0, 0, 1})
		out = in.LeftPad(1)
		out[0] = 0x09
		c.Assert(in[0], qt.Equals, byte(0x01))
	})

	c.Run("JSON", func(c *qt.C) {
		type wrapper struct {
			V HexBytes `json:"v"`
		}
		data, err := json.Marshal(wrapper{V: HexBytes{0xde, 0xad}})
		c.Assert(err, qt.IsNil)
		c.Assert(string(data), qt.Equals, `{"v":"0xdead"}`)

		var w wrapper
		c.Assert(json.Unmarshal([]byte(`{"v":"BEEF"}`), &w), qt.IsNil)
		c.Assert(w.V, qt.DeepEquals, HexBytes{0xbe, 0xef})

		c.Assert(json.Unmarshal([]byte(`{"v":"0xzz"}`), &w), qt.IsNotNil)
		c.Assert(json.Unmarshal([]byte(`{"v":12}`), &w), qt.IsNotNil)
	})

	c.Run("HexStringToHexBytes", func(c *qt.C) {
		b, err := HexStringToHexBytes("0X0a0b")
		c.Assert(err, qt.IsNil)
		c.Assert(b, qt.DeepEquals, HexBytes{0x0a, 0x0b})
		_, err = HexStringToHexBytes("abc")
		c.Assert(err, qt.IsNotNil)
	})
}
