package record

// Offset maps a source partition to the position of the last record of that
// partition that is safe to skip on restart.
type Offset map[string]string

// Clone returns an independent copy of o.
func (o Offset) Clone() Offset {
	out := make(Offset, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}

// Advance records position as processed for partition and reports whether
// the stored value changed.
func (o Offset) Advance(partition, position string) bool {
	if cur, ok := o[partition]; ok && cur == position {
		return false
	}
	o[partition] = position
	return true
}
