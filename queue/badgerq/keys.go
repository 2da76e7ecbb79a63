package badgerq

import (
	"fmt"
	"time"
)

// Key layout, all under the "jq" namespace. Sequence numbers and timestamps
// are fixed-width hex so lexicographic key order is FIFO / due order.
//
//	jq:p:{queue}:{seq}            pending, FIFO by sequence
//	jq:l:{queue}:{seq}            leased, value carries the lease expiry
//	jq:r:{queue}:{due}:{seq}      awaiting retry, released when due
//	jq:d:{queue}:{seq}            dead-lettered after max attempts
const (
	pendingPrefix = "jq:p"
	leasedPrefix  = "jq:l"
	retryPrefix   = "jq:r"
	deadPrefix    = "jq:d"

	sequenceName = "jq:seq"
)

func pendingKey(queueName string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s:%s:%016x", pendingPrefix, queueName, seq))
}

func pendingScanPrefix(queueName string) []byte {
	return []byte(fmt.Sprintf("%s:%s:", pendingPrefix, queueName))
}

func leasedKey(queueName string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s:%s:%016x", leasedPrefix, queueName, seq))
}

func leasedScanPrefix(queueName string) []byte {
	return []byte(fmt.Sprintf("%s:%s:", leasedPrefix, queueName))
}

func retryKey(queueName string, due time.Time, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s:%s:%016x:%016x", retryPrefix, queueName, uint64(due.UnixMicro()), seq))
}

func retryScanPrefix(queueName string) []byte {
	return []byte(fmt.Sprintf("%s:%s:", retryPrefix, queueName))
}

func retryBound(queueName string, now time.Time) []byte {
	return []byte(fmt.Sprintf("%s:%s:%016x", retryPrefix, queueName, uint64(now.UnixMicro())))
}

func deadKey(queueName string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s:%s:%016x", deadPrefix, queueName, seq))
}

func deadScanPrefix(queueName string) []byte {
	return []byte(fmt.Sprintf("%s:%s:", deadPrefix, queueName))
}
