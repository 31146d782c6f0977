package blockdev

import (
	"math/rand/v2"

	"github.com/calvinalkan/trustystore/pkg/blockmac"
)

// ChaosConfig controls fault injection probabilities for [Chaos]. Each rate
// is in [0.0, 1.0]; the zero value disables all injection. Modeled on
// pkg/fs.ChaosConfig, scaled down to the two operations a block device has.
type ChaosConfig struct {
	// ReadFailRate is the probability a StartRead completes with failed=true.
	ReadFailRate float64

	// WriteFailRate is the probability a StartWrite completes with failed=true.
	WriteFailRate float64

	// TornWriteRate is the probability a StartWrite that does NOT fail
	// outright instead corrupts a random byte of the ciphertext before it
	// reaches the underlying device - modeling a write that is acknowledged
	// but whose bytes landed wrong, the case the cache's MAC check exists to
	// catch.
	TornWriteRate float64
}

// Chaos wraps a Device and injects faults per ChaosConfig, for testing the
// cache's MAC-mismatch and I/O-failure handling paths.
type Chaos struct {
	dev  Device
	cfg  ChaosConfig
	rand *rand.Rand
}

// NewChaos wraps dev. seed makes fault injection reproducible across runs.
func NewChaos(dev Device, cfg ChaosConfig, seed uint64) *Chaos {
	return &Chaos{dev: dev, cfg: cfg, rand: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (c *Chaos) Info() DeviceInfo { return c.dev.Info() }

func (c *Chaos) StartRead(block blockmac.BlockNum, onDone func(data []byte, failed bool)) {
	if c.rand.Float64() < c.cfg.ReadFailRate {
		c.dev.StartRead(block, func(_ []byte, _ bool) {
			onDone(nil, true)
		})

		return
	}

	c.dev.StartRead(block, onDone)
}

func (c *Chaos) StartWrite(block blockmac.BlockNum, ciphertext []byte, onDone func(failed bool)) {
	if c.rand.Float64() < c.cfg.WriteFailRate {
		c.dev.StartWrite(block, ciphertext, func(_ bool) {
			onDone(true)
		})

		return
	}

	if c.rand.Float64() < c.cfg.TornWriteRate && len(ciphertext) > 0 {
		corrupted := make([]byte, len(ciphertext))
		copy(corrupted, ciphertext)
		corrupted[c.rand.IntN(len(corrupted))] ^= 0xFF

		c.dev.StartWrite(block, corrupted, onDone)

		return
	}

	c.dev.StartWrite(block, ciphertext, onDone)
}

func (c *Chaos) WaitForIO() error { return c.dev.WaitForIO() }
