// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config loads driver and device configuration from YAML.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"

	"github.com/platinasystems/mcdma/dma"
	"github.com/platinasystems/mcdma/rdm"
)

// Duration accepts Go duration strings ("10us") or integer nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("duration %s: %w", b, err)
		}
		*d = Duration(n)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

type Driver struct {
	Sessions    uint     `json:"sessions"`
	RingRetries int      `json:"ringRetries"`
	BackoffMin  Duration `json:"backoffMin"`
	BackoffMax  Duration `json:"backoffMax"`
}

type Rdm struct {
	Base       uint32 `json:"base"`
	Blocks     uint   `json:"blocks"`
	BlockWords uint   `json:"blockWords"`
	ShadowBase uint32 `json:"shadowBase"`
}

type Device struct {
	Name                   string   `json:"name"`
	Subdevices             uint     `json:"subdevices"`
	AuthoritativeSubdevice *uint    `json:"authoritativeSubdevice,omitempty"`
	Pipes                  uint     `json:"pipes"`
	Buffers                uint     `json:"buffers"`
	BufferBytes            uint     `json:"bufferBytes"`
	Rdm                    Rdm      `json:"rdm"`
	DmaRegisterMode        bool     `json:"dmaRegisterMode"`
	SecondSubdeviceSleep   Duration `json:"secondSubdeviceSleep"`
	// Simulated ring depth; zero for unlimited.
	RingDepth int `json:"ringDepth"`
	// Polls before a simulated RDM change is acknowledged.
	ChangeLag int `json:"changeLag"`
}

type Config struct {
	Driver  Driver   `json:"driver"`
	Devices []Device `json:"devices"`
}

const (
	DefaultSessions    = 4
	DefaultBuffers     = 64
	DefaultBufferBytes = 4096
	DefaultPipes       = 4
	DefaultBlocks      = 1024
	DefaultBlockWords  = 256
)

// Default returns a single device, two subdevice configuration.
func Default() *Config {
	c := &Config{Devices: []Device{{Name: "asic0", Subdevices: 2}}}
	c.setDefaults()
	return c
}

func (c *Config) setDefaults() {
	d := &c.Driver
	if d.Sessions == 0 {
		d.Sessions = DefaultSessions
	}
	if d.BackoffMin == 0 {
		d.BackoffMin = Duration(10 * time.Microsecond)
	}
	if d.BackoffMax == 0 {
		d.BackoffMax = Duration(10 * time.Millisecond)
	}
	for i := range c.Devices {
		x := &c.Devices[i]
		if x.Name == "" {
			x.Name = fmt.Sprintf("asic%d", i)
		}
		if x.Subdevices == 0 {
			x.Subdevices = 1
		}
		if x.AuthoritativeSubdevice == nil {
			// Last subdevice completes last.
			a := x.Subdevices - 1
			x.AuthoritativeSubdevice = &a
		}
		if x.Pipes == 0 {
			x.Pipes = DefaultPipes
		}
		if x.Buffers == 0 {
			x.Buffers = DefaultBuffers
		}
		if x.BufferBytes == 0 {
			x.BufferBytes = DefaultBufferBytes
		}
		if x.Rdm.Blocks == 0 {
			x.Rdm.Blocks = DefaultBlocks
		}
		if x.Rdm.BlockWords == 0 {
			x.Rdm.BlockWords = DefaultBlockWords
		}
	}
}

func (c *Config) Validate() error {
	if c.Driver.BackoffMax < c.Driver.BackoffMin {
		return fmt.Errorf("driver: backoff max %s < min %s",
			time.Duration(c.Driver.BackoffMax), time.Duration(c.Driver.BackoffMin))
	}
	if len(c.Devices) == 0 {
		return errors.New("no devices")
	}
	names := make(map[string]bool)
	for i := range c.Devices {
		x := &c.Devices[i]
		if names[x.Name] {
			return fmt.Errorf("device %s: duplicate name", x.Name)
		}
		names[x.Name] = true
		if *x.AuthoritativeSubdevice >= x.Subdevices {
			return fmt.Errorf("device %s: authoritative subdevice %d out of range", x.Name, *x.AuthoritativeSubdevice)
		}
		if x.RingDepth < 0 || x.ChangeLag < 0 {
			return fmt.Errorf("device %s: negative simulation parameter", x.Name)
		}
	}
	return nil
}

// Parse decodes YAML (or JSON) data, applies defaults and validates.
func Parse(b []byte) (c *Config, err error) {
	c = &Config{}
	if err = yaml.UnmarshalStrict(b, c); err != nil {
		err = errors.Wrap(err, "config")
		return
	}
	c.setDefaults()
	if err = c.Validate(); err != nil {
		err = errors.Wrap(err, "config")
	}
	return
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := Parse(b)
	return c, errors.Wrap(err, path)
}

func (c *Config) Marshal() ([]byte, error) { return yaml.Marshal(c) }

// DriverConfig returns the dma driver configuration.
func (c *Config) DriverConfig() dma.Config {
	return dma.Config{
		Sessions:    c.Driver.Sessions,
		RingRetries: c.Driver.RingRetries,
		BackoffMin:  time.Duration(c.Driver.BackoffMin),
		BackoffMax:  time.Duration(c.Driver.BackoffMax),
	}
}

// DeviceConfig returns the dma configuration of device i.
func (c *Config) DeviceConfig(i int) dma.DeviceConfig {
	x := &c.Devices[i]
	return dma.DeviceConfig{
		Name:                   x.Name,
		Subdevices:             x.Subdevices,
		AuthoritativeSubdevice: *x.AuthoritativeSubdevice,
		Buffers:                x.Buffers,
		BufferBytes:            x.BufferBytes,
		DmaRegisterMode:        x.DmaRegisterMode,
		SecondSubdeviceSleep:   time.Duration(x.SecondSubdeviceSleep),
		Rdm: rdm.Config{
			Base:       rdm.Address(x.Rdm.Base),
			Blocks:     x.Rdm.Blocks,
			BlockWords: x.Rdm.BlockWords,
			Pipes:      x.Pipes,
			ShadowBase: x.Rdm.ShadowBase,
		},
	}
}
