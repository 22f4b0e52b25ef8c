package endpoint

// Chunk is one slice of a larger key/value batch, sized to respect the
// caller's max-message-keys/max-message-values thresholds.
type Chunk struct {
	Keys   [][]byte
	Values [][]byte
}

// Batch splits keys/values into chunks of at most maxKeys keys and
// maxValues values each (§4.1 "Batching" — "Requests carrying more than
// max-message-keys keys or max-message-values values must be split by
// the caller using a streaming batcher that yields chunks"). values may
// be shorter than keys (e.g. a get/delete request has no values) or
// empty.
func Batch(keys, values [][]byte, maxKeys, maxValues int) []Chunk {
	if maxKeys <= 0 {
		maxKeys = len(keys)
		if maxKeys == 0 {
			maxKeys = 1
		}
	}
	if maxValues <= 0 {
		maxValues = maxKeys
	}
	limit := maxKeys
	if len(values) > 0 && maxValues < limit {
		limit = maxValues
	}
	if limit <= 0 {
		limit = 1
	}

	var chunks []Chunk
	for i := 0; i < len(keys); i += limit {
		end := i + limit
		if end > len(keys) {
			end = len(keys)
		}
		c := Chunk{Keys: keys[i:end]}
		if len(values) > 0 {
			vEnd := end
			if vEnd > len(values) {
				vEnd = len(values)
			}
			vStart := i
			if vStart > len(values) {
				vStart = len(values)
			}
			c.Values = values[vStart:vEnd]
		}
		chunks = append(chunks, c)
	}
	if len(chunks) == 0 {
		chunks = append(chunks, Chunk{})
	}
	return chunks
}
