// Copyright 2018 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

// Package metrics wires kvserver's process and keyspace metrics into
// go-ethereum's metrics registry, optionally exporting them to InfluxDB
// and exposing them over a Prometheus scrape endpoint.
package metrics

import (
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
	gethmetrics "github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/metrics/influxdb"
	"github.com/ethereum/go-ethereum/metrics/prometheus"
)

// Options controls what Setup starts.
type Options struct {
	Enabled bool

	InfluxDBEnabled  bool
	InfluxDBEndpoint string
	InfluxDBDatabase string
	InfluxDBUsername string
	InfluxDBPassword string
}

// Footprinter reports the current in-memory size of whatever it
// represents; store.Store implements it via memsize.
type Footprinter interface {
	MemoryFootprint() uint64
}

// Setup starts background metrics collection if o.Enabled, sampling kv's
// memory footprint alongside go-ethereum's own process metrics, and
// forwarding everything to InfluxDB if enabled.
func Setup(o Options, kv Footprinter) {
	if !o.Enabled {
		return
	}
	gethmetrics.Enabled = true
	log.Info("enabling metrics collection")

	go gethmetrics.CollectProcessMetrics(4 * time.Second)
	go sampleKeyspaceMemory(kv, 4*time.Second)

	if o.InfluxDBEnabled {
		log.Info("enabling metrics export to InfluxDB")
		go influxdb.InfluxDBWithTags(
			gethmetrics.DefaultRegistry, 10*time.Second,
			o.InfluxDBEndpoint, o.InfluxDBDatabase, o.InfluxDBUsername, o.InfluxDBPassword,
			"kvserver.", nil,
		)
	}
}

func sampleKeyspaceMemory(kv Footprinter, d time.Duration) {
	gauge := gethmetrics.GetOrRegisterGauge("keyspace/memory_bytes", nil)
	for range time.Tick(d) {
		gauge.Update(int64(kv.MemoryFootprint()))
	}
}

// Handler serves the default registry in Prometheus exposition format.
func Handler() http.Handler {
	return prometheus.Handler(gethmetrics.DefaultRegistry)
}
