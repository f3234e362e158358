// Package deepstream provides a Go client for the deepstream realtime hub.
//
// A single websocket connection multiplexes four domains:
//
//   - Event: fire-and-forget publish/subscribe
//   - RPC: request/response with provider registration
//   - Record: versioned JSON documents synchronized across clients
//   - Presence: login/logout notifications for peer clients
//
// Basic usage:
//
//	client, err := deepstream.New(deepstream.Config{
//	    URL: "ws://localhost:6020/deepstream",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	result := client.Login(map[string]string{"username": "alice"})
//	if !result.LoggedIn {
//	    log.Fatalf("login failed: %s", result.ErrorEvent)
//	}
//
//	record := client.Record.GetRecord("profile/alice")
//	record.SetPath("status", "online")
//
// Blocking calls (Login, RPC.Make, Presence.GetAll, Record.Snapshot,
// SetWithAck) suspend the calling goroutine until the hub answers or the
// corresponding deadline fires; Close wakes all of them.
package deepstream
