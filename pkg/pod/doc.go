// Package pod turns PodTask documents into running containers on the local
// node. The agent uses a Runner to serve CreatePod and DeletePod commands.
package pod
