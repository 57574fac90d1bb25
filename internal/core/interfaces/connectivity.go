package interfaces

import "context"

// ConnectivityOracle reports network reachability of the worktime server
type ConnectivityOracle interface {
	// Online reports whether the server is currently believed to be reachable
	Online(ctx context.Context) bool

	// Subscribe returns a channel receiving reachability transitions and a
	// function releasing the subscription
	Subscribe() (<-chan bool, func())
}
