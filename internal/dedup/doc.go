// Package dedup provides the alert deduplication core: message
// normalization, fingerprinting, the Store interface (TTL-bounded cache),
// and the Engine that turns an alert into a suppress/allow verdict.
package dedup
