// Package integration runs the classifier against real machines, one per
// target. It needs DIGITALOCEAN_TOKEN and creates billable resources; run
// it through "matrixctl run" or "go test -tags integration".
package integration
