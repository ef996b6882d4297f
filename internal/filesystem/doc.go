/*
Package filesystem wraps os.Stat, os.Open and os.Remove with retry logic for
NFS stale file handle errors (ESTALE).

Snapshot archives are commonly kept on a network mount shared between
replicas, and a file replaced by another node can briefly surface as ESTALE.
Only ESTALE is retried; every other error is returned immediately.

	file, err := filesystem.OpenWithRetry(path, filesystem.DefaultRetryConfig())

Retries use exponential backoff (50ms, 100ms, 200ms by default, capped at
MaxBackoff). Metrics are reported through the Observer set with SetObserver,
labelled with the volume resolved by the VolumeResolver.
*/
package filesystem
