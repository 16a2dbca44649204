// Package upload publishes archived container artifacts to the
// artifact service's blob store: the file is split into fixed-size
// blocks, blocks are uploaded concurrently with bounded parallelism,
// and a block list commits them in order.
package upload
