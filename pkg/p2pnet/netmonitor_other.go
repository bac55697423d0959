//go:build !darwin && !linux

package p2pnet

import "context"

// watchNetworkChanges falls back to polling on platforms without native
// event-driven network monitoring (anything but darwin/linux). The rest of
// NetworkMonitor's wiring doesn't know or care which source fired the
// channel.
func watchNetworkChanges(ctx context.Context, ch chan<- struct{}) {
	pollNetworkChanges(ctx, ch)
}
