package topic

import "hash/crc32"

// Assign maps a routing key to a partition index. An empty key always routes
// to partition 0; a non-empty key hashes with crc32 IEEE so that the same
// key lands on the same partition across process restarts.
func Assign(key string, partitions int) int {
	if partitions <= 1 || key == "" {
		return 0
	}
	return int(crc32.ChecksumIEEE([]byte(key)) % uint32(partitions))
}
