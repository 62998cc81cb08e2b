// Package telesync is a client-side telemetry synchronization core. It
// keeps a bounded, per-tag view of sensor values that merges historical
// snapshots with a live push stream, and raises incidents when values
// cross their thresholds.
//
// # Overview
//
// A Session owns every component and wires the data flow between them:
//
//	operator selects tags
//	  -> snapshot loader debounces and fetches history
//	  -> series store seeds the per-tag buffers
//	  -> subscription tracker sends subscribe intents once connected
//	  -> connection manager delivers pushed messages
//	  -> series store appends, threshold evaluator classifies,
//	     incident log records violations
//	  -> consumers read the state on every change
//
// # Quick Start
//
//	package main
//
//	import (
//		"context"
//		"fmt"
//
//		"github.com/chosenoffset/telesync/pkg/telesync"
//	)
//
//	func main() {
//		s, err := telesync.New(telesync.Options{
//			APIURL:      "http://localhost:8000",
//			StreamURL:   "ws://localhost:8000/ws/monitoring/",
//			InitialTags: []string{"pressure_1"},
//		})
//		if err != nil {
//			panic(err)
//		}
//		s.OnChange(func(c telesync.Change) {
//			if c.Kind == telesync.ChangeIncident {
//				fmt.Println(c.Incident.Tag, c.Incident.Violation)
//			}
//		})
//		s.Start(context.Background())
//		defer s.Stop()
//		select {}
//	}
//
// # Architecture
//
//   - conn: the single streaming connection and its reconnect state machine
//   - subscription: selection limits and subscribe intents
//   - series: bounded per-tag sample buffers and stride downsampling
//   - threshold: the threshold table and value classification
//   - incident: the bounded, newest-first incident log
//   - snapshot: debounced, cancellable history loading
//   - collab: HTTP client for catalog, thresholds and history
//   - actions: notification handlers run for every recorded incident
//   - metrics: Prometheus collectors
//   - dashboard: a small HTTP and websocket surface over a Session
//
// # Failure model
//
// Nothing in the core is fatal. A dropped connection becomes the
// Reconnecting state and is retried after a fixed delay. A malformed
// frame is logged and skipped. A failed fetch is reported through
// LastError and leaves existing buffers untouched. A selection over the
// limit is rejected and the previous selection stays in place.
package telesync
