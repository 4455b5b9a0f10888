// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package match

import "github.com/DataDog/pcap-correlate/pkg/stream"

// bucketKey identifies a pre-partition of candidate pairs, per spec
// §4.3.3. A single comparable value serves both the "server" strategy
// (server IP) and the "port" strategy (the port-pair).
type bucketKey struct {
	ip       [4]byte
	loP, hiP uint16
}

func serverBucketKey(c *stream.Connection) bucketKey {
	return bucketKey{ip: c.ServerIP}
}

func portBucketKey(c *stream.Connection) bucketKey {
	lo, hi := c.PortPair()
	return bucketKey{loP: lo, hiP: hi}
}

func bucketKeyFor(strategy BucketStrategy, c *stream.Connection) bucketKey {
	switch strategy {
	case BucketServer:
		return serverBucketKey(c)
	case BucketPort:
		return portBucketKey(c)
	default:
		return bucketKey{}
	}
}

// effectiveBucket resolves the bucket strategy actually used for this
// run: if every connection in a shares the same port-pair family, the
// "port" strategy would produce exactly one bucket and buys nothing, so
// the matcher falls back to "none" per spec §4.3.3.
func effectiveBucket(strategy BucketStrategy, a []*stream.Connection) BucketStrategy {
	if strategy == BucketNone || len(a) == 0 {
		return strategy
	}
	first := portBucketKey(a[0])
	allSame := true
	for _, c := range a[1:] {
		if portBucketKey(c) != first {
			allSame = false
			break
		}
	}
	if strategy == BucketPort && allSame {
		return BucketNone
	}
	return strategy
}

// partition groups a and b's connections by bucket key. Connections
// whose strategy produces an empty/no-op key (BucketNone) are all placed
// in a single bucket, so the matcher falls back to full O(|A|*|B|)
// comparison.
func partition(strategy BucketStrategy, a, b []*stream.Connection) map[bucketKey][2][]*stream.Connection {
	buckets := make(map[bucketKey][2][]*stream.Connection)
	add := func(idx int, conns []*stream.Connection) {
		for _, c := range conns {
			key := bucketKeyFor(strategy, c)
			entry := buckets[key]
			entry[idx] = append(entry[idx], c)
			buckets[key] = entry
		}
	}
	add(0, a)
	add(1, b)
	return buckets
}
