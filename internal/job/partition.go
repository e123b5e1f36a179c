package job

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"strconv"
	"time"

	"github.com/zeebo/xxh3"
	"golang.org/x/sync/errgroup"
)

// Partition describes the slice of the target list one slave step handles.
// Slave steps treat it as read-only.
type Partition struct {
	ThreadNo     int
	PartitionGbn string

	// ParamSet is the job parameter map shared by every partition.
	ParamSet map[string]string

	PoolSize    int
	TableNumber int
}

// Params returns the statement parameters of the partition: the parameter
// set plus threadNo, partitionGbn, pool_size and tableNumber.
func (p Partition) Params() map[string]any {
	out := make(map[string]any, len(p.ParamSet)+4)
	for k, v := range p.ParamSet {
		out[k] = v
	}
	out["threadNo"] = p.ThreadNo
	out["partitionGbn"] = p.PartitionGbn
	out["pool_size"] = p.PoolSize
	out["tableNumber"] = p.TableNumber
	return out
}

// Owns reports whether key hashes to this partition. It is the client-side
// filter of the hash strategy.
func (p Partition) Owns(key string) bool {
	if p.PoolSize <= 1 {
		return true
	}
	return xxh3.HashString(key)%uint64(p.PoolSize) == uint64(p.ThreadNo)
}

// String names the partition in logs.
func (p Partition) String() string { return "partition " + strconv.Itoa(p.ThreadNo) }

// PartitionSpec is the input of Partitions.
type PartitionSpec struct {
	PoolSize   int
	Gbn        string
	Params     map[string]string
	TableCount int
}

// Partitions returns PoolSize descriptors with thread numbers 0..P-1. Each
// gets its own copy of Params, never nil.
// Partition tables are assigned round-robin when TableCount > 0.
func Partitions(spec PartitionSpec) []Partition {
	if spec.PoolSize < 1 {
		return nil
	}
	parts := make([]Partition, spec.PoolSize)
	for i := range parts {
		params := maps.Clone(spec.Params)
		if params == nil {
			params = map[string]string{}
		}
		tn := 0
		if spec.TableCount > 0 {
			tn = i % spec.TableCount
		}
		parts[i] = Partition{
			ThreadNo:     i,
			PartitionGbn: spec.Gbn,
			ParamSet:     params,
			PoolSize:     spec.PoolSize,
			TableNumber:  tn,
		}
	}
	return parts
}

// PartitionError is the failure of one slave step.
type PartitionError struct {
	ThreadNo int
	Err      error
}

func (e *PartitionError) Error() string {
	return fmt.Sprintf("partition %d: %v", e.ThreadNo, e.Err)
}

func (e *PartitionError) Unwrap() error { return e.Err }

// RunPartitions runs slave once per partition on a pool of len(parts)
// goroutines and waits for all of them. A failing partition does not stop
// its siblings; every failure is returned, joined.
func RunPartitions(ctx context.Context, parts []Partition, slave func(ctx context.Context, p Partition) error) error {
	if len(parts) == 0 {
		return nil
	}
	var g errgroup.Group
	g.SetLimit(len(parts))

	errs := make([]error, len(parts))
	for i, p := range parts {
		g.Go(func() error {
			start := time.Now()
			log.Printf("[%s] start gbn=%s table=%d pool_size=%d", p, p.PartitionGbn, p.TableNumber, p.PoolSize)
			if err := slave(ctx, p); err != nil {
				log.Printf("[%s] failed after %s: %v", p, time.Since(start).Round(time.Millisecond), err)
				errs[i] = &PartitionError{ThreadNo: p.ThreadNo, Err: err}
				return nil
			}
			log.Printf("[%s] done in %s", p, time.Since(start).Round(time.Millisecond))
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
