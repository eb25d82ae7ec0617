// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package publish writes driver statistics to a redis hash.
package publish

import (
	"context"
	"fmt"
	"sort"
	"time"

	redigo "github.com/garyburd/redigo/redis"
	"github.com/jpillora/backoff"
	"github.com/platinasystems/log"

	"github.com/platinasystems/mcdma/dma"
)

const DefaultHash = "mcdma"

// Fields flattens s into hash field/value pairs, e.g. "asic0.buffers.in_use".
func Fields(s dma.Stats) map[string]interface{} {
	f := make(map[string]interface{})
	for _, d := range s.Devices {
		p := d.Name + "."
		f[p+"id"] = d.ID
		f[p+"buffers"] = d.Buffers
		f[p+"buffers.in_use"] = d.BuffersInUse
		f[p+"buffers.idle"] = d.BuffersIdle
		f[p+"pushes"] = d.Pushes
		f[p+"ring_full"] = d.RingFull
		f[p+"completions"] = d.Completions
		f[p+"completions.foreign"] = d.Foreign
		f[p+"completions.errors"] = d.Anomalies
		f[p+"rdm.change.requests"] = d.ChangeRequests
		f[p+"rdm.change.acks"] = d.ChangeAcks
		f[p+"rdm.free_blocks"] = d.Rdm.FreeBlocks
		for i, ps := range d.Rdm.Pipes {
			pp := fmt.Sprintf("%spipe%d.rdm.", p, i)
			for c, n := range ps.Blocks {
				f[fmt.Sprintf("%sblocks.%d", pp, c)] = n
			}
			f[pp+"used_words"] = ps.UsedWords
			f[pp+"queued"] = ps.Queued
			f[pp+"waiting"] = ps.Waiting
			f[pp+"pending_updates"] = ps.PendingUpdates
			f[pp+"epochs"] = ps.Epochs
		}
	}
	return f
}

// Publisher pipelines HSETs of statistics fields that changed since the
// previous publish.
type Publisher struct {
	conn redigo.Conn
	hash string
	last map[string]interface{}
}

func New(conn redigo.Conn, hash string) *Publisher {
	if hash == "" {
		hash = DefaultHash
	}
	return &Publisher{conn: conn, hash: hash, last: make(map[string]interface{})}
}

// Dial connects to the redis server at addr, retrying until ctx is done.
func Dial(ctx context.Context, addr string) (conn redigo.Conn, err error) {
	b := &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    5 * time.Second,
		Factor: 2,
		Jitter: false,
	}
	for {
		if conn, err = redigo.Dial("tcp", addr); err == nil {
			return
		}
		d := b.Duration()
		log.Print("warn", fmt.Sprintf("redis %s: %v; retry in %s", addr, err, d))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
		}
	}
}

// Publish sends changed fields and returns how many were sent.
func (p *Publisher) Publish(s dma.Stats) (n int, err error) {
	f := Fields(s)
	keys := make([]string, 0, len(f))
	for k, v := range f {
		if old, ok := p.last[k]; !ok || old != v {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err = p.conn.Send("HSET", p.hash, k, f[k]); err != nil {
			return
		}
	}
	if _, err = p.conn.Do(""); err != nil {
		return
	}
	for _, k := range keys {
		p.last[k] = f[k]
	}
	n = len(keys)
	return
}

func (p *Publisher) Close() error { return p.conn.Close() }
