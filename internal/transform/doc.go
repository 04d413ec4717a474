// Package transform turns raw change records into the logical records the
// codecs serialize. Flatten collapses the before/after envelope into a single
// row, applies delete handling and tombstone suppression, and can copy source
// metadata into the value or the headers.
package transform
