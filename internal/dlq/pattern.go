package dlq

import "sort"

// ErrorPattern aggregates failures that share an error code and category.
// Patterns are kept in memory only; they are rebuilt from captured messages
// on open.
type ErrorPattern struct {
	Code        string        `json:"code"`
	Category    ErrorCategory `json:"category"`
	Count       uint64        `json:"count"`
	FirstSeenMs int64         `json:"first_seen_ms"`
	LastSeenMs  int64         `json:"last_seen_ms"`

	services map[string]struct{}
	topics   map[string]struct{}
}

func patternKey(code string, cat ErrorCategory) string {
	return code + "|" + string(cat)
}

func (p *ErrorPattern) observe(msg *Message, nowMs int64) {
	if p.Count == 0 || nowMs < p.FirstSeenMs {
		p.FirstSeenMs = nowMs
	}
	if nowMs > p.LastSeenMs {
		p.LastSeenMs = nowMs
	}
	p.Count++
	if msg.SourceService != "" {
		if p.services == nil {
			p.services = make(map[string]struct{})
		}
		p.services[msg.SourceService] = struct{}{}
	}
	if msg.Topic != "" {
		if p.topics == nil {
			p.topics = make(map[string]struct{})
		}
		p.topics[msg.Topic] = struct{}{}
	}
}

// Services returns the sorted set of services that produced this pattern.
func (p *ErrorPattern) Services() []string { return sortedKeys(p.services) }

// Topics returns the sorted set of topics affected by this pattern.
func (p *ErrorPattern) Topics() []string { return sortedKeys(p.topics) }

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
