// Package memory holds typed object pools for hot-path allocations.
package memory
