/*
Package storage persists the controller's view of the cluster in BoltDB.

Two buckets hold JSON documents:

	nodes  <node name>          -> types.NodeRecord
	pods   <node name>/<pod>    -> types.PodRecord

Pod keys are prefixed by the node name so the pods of one node are read
with a single cursor seek, and deleting a node drops its pods in the same
transaction. Lookups of missing keys return errors wrapping
errdefs.ErrNotFound.

The database lives at <data-dir>/hutch.db and is opened with a one second
lock timeout, so a second controller on the same directory fails fast.
*/
package storage
