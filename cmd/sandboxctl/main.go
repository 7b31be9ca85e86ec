// Command sandboxctl is the operator-facing CLI for sandboxd: listing and
// resolving pending permission requests, managing rules, and watching the
// live event stream over WebSocket.
package main

func main() {
	Execute()
}
