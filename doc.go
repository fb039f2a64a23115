// Package cosync is the composition root of a collaborative workspace
// session.
//
// A session replicates a directory tree between participants. One participant
// is the host: it holds the authoritative copy, runs the consistency watchdog
// that broadcasts document checksums and answers recovery requests. Guests
// apply the activities they receive, compare checksums with their own copies
// and ask the host to recover any document that drifted.
//
// Features:
//
//   - **Activity model**: a closed set of replicated operations dispatched
//     through a typed receiver (pkg/core).
//   - **Echo suppression**: changes made while applying a received activity
//     are never sent back.
//   - **Consistency watchdog**: xxhash checksums of open documents, compared
//     against the document transform's vector time.
//   - **Transports**: a websocket relay hub, Redis pub/sub, or an in-process
//     loopback network for tests.
//   - **Disk workspace**: atomic writes, fsnotify watching and doublestar
//     ignore rules.
//
// Usage:
//
//	inst, err := cosync.New("./project",
//		cosync.WithHub("ws://localhost:8787/session"),
//		cosync.WithParticipant("alice"),
//		cosync.WithHost(true),
//	)
//	if err != nil {
//		return err
//	}
//	if err := inst.Start(ctx); err != nil {
//		return err
//	}
//	defer inst.Stop(ctx)
package cosync
