package memory

import "latticecore/pkg/domain"

func cloneCell(c Cell) Cell {
	out := c
	if c.TrackedParameters != nil {
		out.TrackedParameters = make(map[string]domain.Parameter, len(c.TrackedParameters))
		for k, v := range c.TrackedParameters {
			out.TrackedParameters[k] = cloneParameter(v)
		}
	}
	out.EvidenceRefs = append([]string(nil), c.EvidenceRefs...)
	out.OntologyRef = cloneStringPtr(c.OntologyRef)
	out.ActivationNote = cloneStringPtr(c.ActivationNote)
	out.DeprecationReason = cloneStringPtr(c.DeprecationReason)
	return out
}

func cloneParameter(p domain.Parameter) domain.Parameter {
	out := p
	out.Lower = cloneFloatPtr(p.Lower)
	out.Upper = cloneFloatPtr(p.Upper)
	return out
}

func cloneDecision(d Decision) Decision {
	out := d
	out.EvidenceRefs = append([]string(nil), d.EvidenceRefs...)
	out.ImpactedCells = append([]string(nil), d.ImpactedCells...)
	out.Provenance = append([]string(nil), d.Provenance...)
	out.SupersededBy = cloneStringPtr(d.SupersededBy)
	return out
}

func cloneEvent(e Event) Event {
	out := e
	if e.Payload != nil {
		out.Payload = make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			out.Payload[k] = v
		}
	}
	return out
}

func clonePromotion(p PromotionRecord) PromotionRecord {
	out := p
	out.Provenance = append([]string(nil), p.Provenance...)
	return out
}

func cloneStringPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneFloatPtr(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}
