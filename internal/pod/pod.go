// Package pod implements the typed data-object stand-in this repo's
// client-node core consumes in place of a full POD (plain-old-data)
// encoding library: Format, PortInfo, AllocParam, and Props, with the
// copy/filter/build operations the core calls on them. None of these types
// carry wire-level framing; that's left to an external codec.
package pod

// Format describes a media type/subtype pair plus codec-specific
// attributes, mirroring the role SPA's spa_format struct plays: a
// negotiable description of the data flowing through a port.
type Format struct {
	MediaType    string
	MediaSubtype string
	Props        map[string]any
}

// Copy returns a deep copy of f, so a Port can own its possible-formats
// list independently of the caller's buffer.
func (f *Format) Copy() *Format {
	if f == nil {
		return nil
	}

	out := &Format{MediaType: f.MediaType, MediaSubtype: f.MediaSubtype}
	if f.Props != nil {
		out.Props = make(map[string]any, len(f.Props))
		for k, v := range f.Props {
			out.Props[k] = v
		}
	}

	return out
}

// Matches reports whether f satisfies filter: every key present in filter
// must be present in f with an equal value. A nil filter matches anything.
func (f *Format) Matches(filter *Format) bool {
	if filter == nil {
		return true
	}

	if filter.MediaType != "" && filter.MediaType != f.MediaType {
		return false
	}

	if filter.MediaSubtype != "" && filter.MediaSubtype != f.MediaSubtype {
		return false
	}

	for k, want := range filter.Props {
		got, ok := f.Props[k]
		if !ok || got != want {
			return false
		}
	}

	return true
}

// PortInfo carries the negotiable attributes of a port: flags, rate,
// latency, and the allocation parameters buffers for this port must honor.
type PortInfo struct {
	Flags      uint32
	Rate       uint32
	LatencyNS  int64
	Extras     map[string]any
	AllocParam []*AllocParam
}

// Copy returns a deep copy of pi.
func (pi *PortInfo) Copy() *PortInfo {
	if pi == nil {
		return nil
	}

	out := &PortInfo{
		Flags:     pi.Flags,
		Rate:      pi.Rate,
		LatencyNS: pi.LatencyNS,
	}

	if pi.Extras != nil {
		out.Extras = make(map[string]any, len(pi.Extras))
		for k, v := range pi.Extras {
			out.Extras[k] = v
		}
	}

	out.AllocParam = make([]*AllocParam, len(pi.AllocParam))
	for i, ap := range pi.AllocParam {
		out.AllocParam[i] = ap.Copy()
	}

	return out
}

// AllocParam describes one allocation constraint a port's buffers must
// satisfy (minimum size, alignment, preferred count, ...).
type AllocParam struct {
	Key   string
	Value int64
}

// Copy returns a copy of ap.
func (ap *AllocParam) Copy() *AllocParam {
	if ap == nil {
		return nil
	}

	out := *ap

	return &out
}

// Props is a generic bag of node/port properties exchanged with get_props /
// set_props (both unimplemented in the core, but still part of the
// typed-data-object surface other collaborators build against).
type Props map[string]any

// Copy returns a shallow copy of p.
func (p Props) Copy() Props {
	if p == nil {
		return nil
	}

	out := make(Props, len(p))
	for k, v := range p {
		out[k] = v
	}

	return out
}
