/*
Package workers sizes and runs bounded worker pools.

runtime.NumCPU reports the host's CPUs, not the container's CPU limit, so
counts are derived from GOMAXPROCS instead:

	n := workers.ForIO(8)   // snapshot file extraction
	n := workers.ForCPU(4)  // snapshot checksums

Set INDEX_MANAGER_WORKERS to pin the count.

Each fans a slice out over a pool of that size using errgroup:

	err := workers.Each(ctx, n, files, func(ctx context.Context, f *zip.File) error {
		return extract(ctx, f)
	})
*/
package workers
