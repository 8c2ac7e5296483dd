// Package bus implements the Dispatch Bus contract (spec.md §4.2): a
// durable, topic-routed message broker abstraction backed by Postgres. The
// core never speaks AMQP directly — every discipline speaks this contract.
package bus

import "strings"

// MatchPattern reports whether routing key matches pattern using the
// dispatch bus's dotted-hierarchy wildcard rules: "*" matches exactly one
// segment, "#" matches zero or more trailing segments.
func MatchPattern(pattern, key string) bool {
	pSegs := strings.Split(pattern, ".")
	kSegs := strings.Split(key, ".")
	return matchSegs(pSegs, kSegs)
}

func matchSegs(pSegs, kSegs []string) bool {
	for i := 0; i < len(pSegs); i++ {
		seg := pSegs[i]
		if seg == "#" {
			// "#" matches zero or more remaining segments, including none.
			if i == len(pSegs)-1 {
				return true
			}
			// Try every split point for the remaining key segments.
			for j := i; j <= len(kSegs); j++ {
				if matchSegs(pSegs[i+1:], kSegs[j:]) {
					return true
				}
			}
			return false
		}
		if i >= len(kSegs) {
			return false
		}
		if seg != "*" && seg != kSegs[i] {
			return false
		}
	}
	return len(pSegs) == len(kSegs)
}
