// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Mcdma drives the multicast DMA driver against simulated hardware:
// sessions rewrite replication trees while devices service completions,
// then statistics are printed and optionally published.
package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/platinasystems/flags"
	"github.com/platinasystems/log"
	"github.com/platinasystems/parms"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"sigs.k8s.io/yaml"

	"github.com/platinasystems/mcdma/dma"
	"github.com/platinasystems/mcdma/internal/config"
	"github.com/platinasystems/mcdma/internal/dmamem"
	"github.com/platinasystems/mcdma/internal/dr"
	"github.com/platinasystems/mcdma/internal/metrics"
	"github.com/platinasystems/mcdma/internal/publish"
	"github.com/platinasystems/mcdma/internal/sim"
	"github.com/platinasystems/mcdma/rdm"
	"github.com/platinasystems/mcdma/treesize"
)

const Usage = `mcdma [-v] [-dump-config] [-config FILE] [-n OPS] [-groups N]
	[-seed N] [-redis ADDR [-hash NAME]] [-metrics ADDR]`

func main() {
	if err := Main(os.Args[1:]...); err != nil {
		fmt.Fprintln(os.Stderr, "mcdma:", err)
		os.Exit(1)
	}
}

func Main(args ...string) error {
	flag, args := flags.New(args, "-v", "-dump-config", "-h", "-help")
	parm, args := parms.New(args, "-config", "-n", "-groups", "-seed",
		"-redis", "-hash", "-metrics")
	if flag.ByName["-h"] || flag.ByName["-help"] {
		fmt.Println(Usage)
		return nil
	}
	if len(args) > 0 {
		return fmt.Errorf("%v: unexpected\nusage: %s", args, Usage)
	}

	cfg := config.Default()
	if fn := parm.ByName["-config"]; len(fn) > 0 {
		var err error
		if cfg, err = config.Load(fn); err != nil {
			return err
		}
	}
	if flag.ByName["-dump-config"] {
		b, err := cfg.Marshal()
		if err != nil {
			return err
		}
		os.Stdout.Write(b)
		return nil
	}

	s := soak{
		ops:     1000,
		groups:  64,
		seed:    time.Now().UnixNano(),
		verbose: flag.ByName["-v"],
	}
	for _, x := range []struct {
		name string
		v    interface{}
	}{
		{"-n", &s.ops},
		{"-groups", &s.groups},
		{"-seed", &s.seed},
	} {
		v := parm.ByName[x.name]
		if len(v) == 0 {
			continue
		}
		n, err := strconv.ParseInt(v, 0, 64)
		if err != nil || n <= 0 {
			return fmt.Errorf("%s: %q invalid", x.name, v)
		}
		switch p := x.v.(type) {
		case *int:
			*p = int(n)
		case *int64:
			*p = n
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	m, hosts, err := build(cfg)
	if err != nil {
		return err
	}
	defer func() {
		for _, h := range hosts {
			h.Close()
		}
	}()

	if addr := parm.ByName["-metrics"]; len(addr) > 0 {
		reg := prometheus.NewRegistry()
		reg.MustRegister(metrics.NewCollector(m))
		srv := &http.Server{Addr: addr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Print("err", fmt.Sprintf("metrics %s: %v", addr, err))
			}
		}()
		defer srv.Close()
	}

	start := time.Now()
	if err = s.run(ctx, m); err != nil {
		return err
	}
	if err = m.Close(ctx); err != nil {
		return err
	}
	for _, d := range m.Devices() {
		if err = d.Quiesce(ctx); err != nil {
			return err
		}
	}
	elapsed := time.Since(start)

	st := m.Stats()
	if isatty.IsTerminal(os.Stdout.Fd()) {
		printTable(st, elapsed)
	} else {
		b, err := yaml.Marshal(st)
		if err != nil {
			return err
		}
		os.Stdout.Write(b)
	}

	if addr := parm.ByName["-redis"]; len(addr) > 0 {
		conn, err := publish.Dial(ctx, addr)
		if err != nil {
			return err
		}
		p := publish.New(conn, parm.ByName["-hash"])
		defer p.Close()
		n, err := p.Publish(st)
		if err != nil {
			return err
		}
		if s.verbose {
			fmt.Printf("published %d fields to %s\n", n, addr)
		}
	}
	return nil
}

// build creates the driver with simulated hardware for every configured device.
func build(cfg *config.Config) (m *dma.Main, hosts []*dmamem.Host, err error) {
	m = dma.New(cfg.DriverConfig())
	for i := range cfg.Devices {
		dc := cfg.DeviceConfig(i)
		x := &cfg.Devices[i]
		var h *dmamem.Host
		if h, err = dmamem.NewHost(dc.Buffers, dc.BufferBytes); err != nil {
			return
		}
		hosts = append(hosts, h)
		ring := sim.NewRing(dc.Subdevices, x.RingDepth)
		ring.AutoConsume = true
		hw := dma.Hw{
			Ring:    ring,
			Mem:     h,
			Mapper:  h,
			Regs:    sim.NewRegs(),
			Changer: sim.NewChanger(dc.Rdm.Pipes, x.ChangeLag),
		}
		if _, err = m.AddDevice(dc, hw); err != nil {
			return
		}
	}
	return
}

type soak struct {
	ops     int
	groups  int
	seed    int64
	verbose bool
}

// run rewrites trees of random groups from every session.  Each rewrite
// writes a new node, moves the tree length and frees the previous node.
func (s *soak) run(ctx context.Context, m *dma.Main) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, d := range m.Devices() {
		wg.Add(1)
		go func(d *dma.Device) {
			defer wg.Done()
			d.Run(ctx)
		}(d)
	}

	nSessions := m.Sessions()
	errs := make(chan error, nSessions)
	var sw sync.WaitGroup
	for si := uint(0); si < nSessions; si++ {
		sw.Add(1)
		go func(si uint) {
			defer sw.Done()
			errs <- s.session(ctx, m, si)
		}(si)
	}
	sw.Wait()
	close(errs)
	cancel()
	wg.Wait()
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *soak) session(ctx context.Context, m *dma.Main, si uint) error {
	r := rand.New(rand.NewSource(s.seed + int64(si)))
	devs := m.Devices()
	trees := make([]map[treesize.MGID]rdm.Address, len(devs))
	for i := range trees {
		trees[i] = make(map[treesize.MGID]rdm.Address)
	}
	for op := 0; op < s.ops; op++ {
		if ctx.Err() != nil {
			return nil
		}
		di := r.Intn(len(devs))
		d := devs[di]
		pipe := uint(r.Intn(int(d.Config().Rdm.Pipes)))
		// Groups are private to a session.
		g := treesize.MGID(int(si)*s.groups + r.Intn(s.groups))
		size := uint(1) << uint(r.Intn(3))
		c := rdm.Class(r.Intn(int(rdm.NClass)))

		x, err := m.Allocate(d.Index(), pipe, c, size)
		if err != nil {
			if s.verbose {
				log.Print("info", fmt.Sprintf("session %d: %v", si, err))
			}
			continue
		}
		m.Begin(si)
		for w := uint(0); w < size && err == nil; w++ {
			a := uint64(x+rdm.Address(w)) << 4
			err = m.Append(d.Index(), dma.AllSubdevices, si, dr.Wide, a, uint64(g), uint64(op))
		}
		if err != nil {
			// Other sessions hold every buffer; drop the batch and its node.
			// Frees kept from an earlier failed End stay queued.
			m.Discard(si)
			if !errors.Is(err, dma.ErrNoBuffer) {
				return err
			}
			if err = m.FreeNow(d.Index(), x); err != nil {
				return err
			}
			continue
		}
		m.QueueTreeUpdate(si, d.Index(), treesize.Update{Pipe: pipe, MGID: g, Length: uint32(size)})
		if old, ok := trees[di][g]; ok {
			if err = m.Free(si, d.Index(), old); err != nil {
				m.Abort(si)
				return err
			}
		}
		// Effects of a batch that could not get a buffer stay queued on
		// the session and ride on its next batch.
		if err = m.End(si); err != nil && !errors.Is(err, dma.ErrNoBuffer) {
			return err
		}
		trees[di][g] = x
	}
	if err := m.Send(si, true); err != nil && !errors.Is(err, dma.ErrNoBuffer) {
		return err
	}
	return nil
}

func printTable(st dma.Stats, elapsed time.Duration) {
	fmt.Printf("elapsed %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("%-10s %8s %8s %8s %8s %8s %8s\n",
		"device", "pushes", "full", "done", "foreign", "changes", "free")
	for _, d := range st.Devices {
		fmt.Printf("%-10s %8d %8d %8d %8d %8d %8d\n",
			d.Name, d.Pushes, d.RingFull, d.Completions, d.Foreign, d.ChangeAcks, d.Rdm.FreeBlocks)
		for p, ps := range d.Rdm.Pipes {
			fmt.Printf("  pipe %d: blocks %v used %d queued %d waiting %d epochs %d\n",
				p, ps.Blocks, ps.UsedWords, ps.Queued, ps.Waiting, ps.Epochs)
		}
	}
}
