package retryqueue

import (
	"encoding/binary"
	"errors"
	"os"
	"strconv"
	"time"
)

var errInvalidPackedData = errors.New("invalid packed data")

type packArgs struct {
	data           []byte
	minTargetBlock uint64
	maxTargetBlock uint64
	highPriority   bool
	timestamp      time.Time
	iteration      uint16
}

// packData returns score and packed data into a byte slice that can be stored in Redis.
// The score is the minTargetBlock.
// The format is (note that ':' is used only in the docs and not present in the actual data):
// highPriority(1byte):iteration(2 bytes):timestamp(8 bytes):maxblock(8 bytes):data
//
// This is done because redis sorts values with the same score by value lexicographically.
func packData(a packArgs) (float64, []byte) {
	score := float64(a.minTargetBlock)
	value := make([]byte, 19+len(a.data))
	if a.highPriority {
		value[0] = 0
	} else {
		value[0] = 1
	}
	binary.BigEndian.PutUint16(value[1:3], a.iteration)
	binary.BigEndian.PutUint64(value[3:11], uint64(a.timestamp.UnixNano()))
	binary.BigEndian.PutUint64(value[11:19], a.maxTargetBlock)
	copy(value[19:], a.data)
	return score, value
}

// unpackData unpacks the data from the byte slice returned by packData.
func unpackData(score float64, packedData []byte) (packArgs, error) {
	if len(packedData) < 19 {
		return packArgs{}, errInvalidPackedData
	}
	return packArgs{
		data:           packedData[19:],
		minTargetBlock: uint64(score),
		maxTargetBlock: binary.BigEndian.Uint64(packedData[11:19]),
		highPriority:   packedData[0] == 0,
		timestamp:      time.Unix(0, int64(binary.BigEndian.Uint64(packedData[3:11]))),
		iteration:      binary.BigEndian.Uint16(packedData[1:3]),
	}, nil
}

// Config holds the tunables of a RedisQueue.
type Config struct {
	MaxRetries                  uint16
	MaxUnprocessedItemsLowPrio  uint64
	MaxUnprocessedItemsHighPrio uint64
	WorkerTimeout               time.Duration
}

var DefaultConfig = Config{
	MaxRetries:                  DefaultMaxRetries,
	MaxUnprocessedItemsLowPrio:  DefaultMaxUnprocessedItemsForLowPrio,
	MaxUnprocessedItemsHighPrio: DefaultMaxUnprocessedItemsForHighPrio,
	WorkerTimeout:               DefaultWorkerTimeout,
}

// Apply copies the config onto a queue instance.
func (c Config) Apply(q *RedisQueue) {
	q.MaxRetries = c.MaxRetries
	q.MaxUnprocessedItemsLowPrio = c.MaxUnprocessedItemsLowPrio
	q.MaxUnprocessedItemsHighPrio = c.MaxUnprocessedItemsHighPrio
	q.WorkerTimeout = c.WorkerTimeout
}

// ConfigFromEnv loads retryqueue config from environment variables:
//   - RETRYQUEUE_MAX_RETRIES
//   - RETRYQUEUE_MAX_UNPROCESSED_ITEMS_LOW_PRIO
//   - RETRYQUEUE_MAX_UNPROCESSED_ITEMS_HIGH_PRIO
//   - RETRYQUEUE_WORKER_TIMEOUT_MS
func ConfigFromEnv() (Config, error) {
	config := DefaultConfig

	if val := os.Getenv("RETRYQUEUE_MAX_RETRIES"); val != "" {
		maxRetries, err := strconv.ParseUint(val, 10, 16)
		if err != nil {
			return config, err
		}
		config.MaxRetries = uint16(maxRetries)
	}
	if val := os.Getenv("RETRYQUEUE_MAX_UNPROCESSED_ITEMS_LOW_PRIO"); val != "" {
		maxItems, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return config, err
		}
		config.MaxUnprocessedItemsLowPrio = maxItems
	}
	if val := os.Getenv("RETRYQUEUE_MAX_UNPROCESSED_ITEMS_HIGH_PRIO"); val != "" {
		maxItems, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return config, err
		}
		config.MaxUnprocessedItemsHighPrio = maxItems
	}
	if val := os.Getenv("RETRYQUEUE_WORKER_TIMEOUT_MS"); val != "" {
		workerTimeoutMs, err := strconv.Atoi(val)
		if err != nil {
			return config, err
		}
		config.WorkerTimeout = time.Duration(workerTimeoutMs) * time.Millisecond
	}

	return config, nil
}
