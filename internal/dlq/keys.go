package dlq

// Keyspace:
//
//	dlq/q/{name}        queue metadata (JSON)
//	dlq/m/{queue}/{id}  captured message (JSON)

const (
	queuePrefix   = "dlq/q/"
	messagePrefix = "dlq/m/"
)

func keyQueue(name string) []byte {
	return append([]byte(queuePrefix), name...)
}

func keyMessage(queue, id string) []byte {
	k := make([]byte, 0, len(messagePrefix)+len(queue)+1+len(id))
	k = append(k, messagePrefix...)
	k = append(k, queue...)
	k = append(k, '/')
	k = append(k, id...)
	return k
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix.
func prefixUpperBound(prefix []byte) []byte {
	ub := make([]byte, len(prefix))
	copy(ub, prefix)
	for i := len(ub) - 1; i >= 0; i-- {
		if ub[i] < 0xff {
			ub[i]++
			return ub[:i+1]
		}
	}
	return nil
}
