package validation

import (
	"fmt"
	"math"
	"strings"

	"github.com/felixgeelhaar/mecaflow/internal/domain"
)

// DXFEntityKeys are the DXF entity types checked for every drawing, in check order
var DXFEntityKeys = []string{"LINE", "CIRCLE", "ARC", "POLYLINE", "LWPOLYLINE", "DIMENSION", "TEXT", "MTEXT"}

// Submission unwraps the {success, submission} envelope. A bare submission is returned as is.
func Submission(p Payload) Payload {
	if sub, ok := p.Object("submission"); ok {
		return sub
	}
	if p == nil {
		return Payload{}
	}
	return p
}

// Comparison returns the CAD comparison block of a submission, or an empty payload
func Comparison(sub Payload) Payload {
	if cad, ok := sub.Object("cad_comparison", "cadResult"); ok {
		return cad
	}
	return Payload{}
}

// ExtractScore reads the score from the first available field: the submission's
// own score, then the comparison's global_score or score, then feedback.global_score.
func ExtractScore(sub, cad Payload) *float64 {
	if f, ok := sub.Number("score"); ok {
		return domain.Float(f)
	}
	if f, ok := cad.Number("global_score", "score", "feedback.global_score"); ok {
		return domain.Float(f)
	}
	return nil
}

// ExtractEntityCounts returns per-type entity counts. A list of typed entities
// is aggregated by upper-cased type tag.
func ExtractEntityCounts(cad Payload) (map[string]float64, bool) {
	if m, ok := cad.Object("entity_counts", "dxf.entity_counts", "entities_count"); ok {
		return numericMap(m), true
	}
	if list, ok := cad.Lookup("entities"); ok {
		if entities, ok := asSlice(list); ok {
			return countEntities(entities), true
		}
	}
	if m, ok := cad.Object("feedback.entity_counts", "feedback.dxf.entity_counts"); ok {
		return numericMap(m), true
	}
	return nil, false
}

// ExtractExpectedCounts returns expected entity counts from the payload, falling
// back to the exercise's declared requirements.
func ExtractExpectedCounts(cad Payload, exercise *domain.Exercise) (map[string]float64, bool) {
	if m, ok := cad.Object("expected_counts", "dxf.expected_counts"); ok {
		return numericMap(m), true
	}
	if exercise != nil && exercise.DXFRequirements != nil {
		out := make(map[string]float64, len(exercise.DXFRequirements))
		for k, v := range exercise.DXFRequirements {
			out[strings.ToUpper(k)] = float64(v)
		}
		return out, true
	}
	return nil, false
}

// ExtractBoundingBox returns the drawing bounding box in whatever form the backend sent
func ExtractBoundingBox(cad Payload) (Payload, bool) {
	return cad.Object("bounding_box", "dxf.bounding_box", "bbox")
}

// BoundingBoxExtent returns |dx|+|dy| for {min,max} or {xmin,ymin,xmax,ymax}
// boxes. Unrecognized forms have zero extent.
func BoundingBoxExtent(bb Payload) float64 {
	if minPt, ok := bb.Object("min"); ok {
		if maxPt, ok := bb.Object("max"); ok {
			dx := coord(maxPt, "x") - coord(minPt, "x")
			dy := coord(maxPt, "y") - coord(minPt, "y")
			return finite(math.Abs(dx) + math.Abs(dy))
		}
	}
	if bb.Has("xmin") && bb.Has("xmax") {
		dx := coord(bb, "xmax") - coord(bb, "xmin")
		dy := coord(bb, "ymax") - coord(bb, "ymin")
		return finite(math.Abs(dx) + math.Abs(dy))
	}
	return 0
}

// ExtractMatchedEntities returns the matched-entities block if the backend sent one
func ExtractMatchedEntities(cad Payload) (any, bool) {
	v, ok := cad.Lookup("matched_entities", "matches", "dxf.matched_entities")
	if !ok || !truthy(v) {
		return nil, false
	}
	return v, true
}

// FeedbackObject is where standard property checks are read from
func FeedbackObject(cad Payload) Payload {
	if fb, ok := cad.Object("feedback"); ok {
		return fb
	}
	return cad
}

// propertyAliases lists alternative keys for a named property
var propertyAliases = map[string][]string{
	"volume": {"volume_value", "volume"},
}

// ExtractProperty returns a named scalar property from the feedback object
func ExtractProperty(feedback Payload, key string) (any, bool) {
	if aliases, ok := propertyAliases[key]; ok {
		return feedback.Lookup(aliases...)
	}
	return feedback.Lookup(key)
}

// DXFValidFlag reports whether the backend marked the drawing valid
func DXFValidFlag(cad Payload) bool {
	v, _ := cad.Lookup("dxf_valid")
	nested, _ := cad.Lookup("dxf.valid")
	return asBool(v) || asBool(nested)
}

// assemblyData is the normalized assembly comparison block
type assemblyData struct {
	countOK    bool
	submitted  *float64
	reference  *float64
	message    string
	components []domain.ComponentCheck
}

// assemblyBlock finds the object carrying num_components and components_match,
// either directly on the comparison or nested one level under cad_comparison.
func assemblyBlock(cad Payload) (Payload, bool) {
	for _, candidate := range []Payload{cad, nestedComparison(cad)} {
		if candidate == nil {
			continue
		}
		if !candidate.Has("num_components") {
			continue
		}
		if list, ok := candidate.Lookup("components_match"); ok {
			if _, ok := asSlice(list); ok {
				return candidate, true
			}
		}
	}
	return nil, false
}

func nestedComparison(cad Payload) Payload {
	nested, _ := cad.Object("cad_comparison")
	return nested
}

// extractAssembly normalizes an assembly block. It fails when the component
// count is neither an object nor a number.
func extractAssembly(block Payload) (assemblyData, error) {
	var data assemblyData

	raw, _ := block.Lookup("num_components")
	switch n := raw.(type) {
	case map[string]any:
		count := Payload(n)
		data.countOK = asBool(n["ok"])
		if f, ok := count.Number("submitted"); ok {
			data.submitted = domain.Float(f)
		}
		if f, ok := count.Number("reference"); ok {
			data.reference = domain.Float(f)
		}
		if msg, ok := n["message"].(string); ok {
			data.message = msg
		}
	default:
		f, ok := asFloat(raw)
		if !ok {
			return data, &ShapeError{Reason: fmt.Sprintf("num_components has type %T", raw)}
		}
		data.submitted = domain.Float(f)
	}

	list, _ := block.Lookup("components_match")
	items, _ := asSlice(list)
	data.components = make([]domain.ComponentCheck, 0, len(items))
	for i, item := range items {
		comp, _ := asMap(item)
		c := Payload(comp)
		volumeScore, _ := c.Number("volume_score")
		topology, _ := c.Lookup("topology_match", "topology_ok")
		data.components = append(data.components, domain.NewComponentCheck(
			i+1,
			asBool(c["volume_ok"]),
			clampPercent(math.Round(volumeScore*100)),
			asBool(c["center_of_mass_ok"]),
			asBool(topology),
		))
	}
	return data, nil
}

func numericMap(m Payload) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		if f, ok := asFloat(v); ok {
			out[strings.ToUpper(k)] = f
		}
	}
	return out
}

func countEntities(entities []any) map[string]float64 {
	counts := make(map[string]float64)
	for _, e := range entities {
		obj, ok := asMap(e)
		if !ok {
			continue
		}
		tag := ""
		for _, key := range []string{"type", "entity_type", "name"} {
			if v, ok := obj[key]; ok && truthy(v) {
				tag = strings.ToUpper(fmt.Sprint(v))
				break
			}
		}
		if tag == "" {
			continue
		}
		counts[tag]++
	}
	return counts
}

func coord(p Payload, key string) float64 {
	f, _ := p.Number(key)
	return f
}

func finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func clampPercent(f float64) float64 {
	return math.Max(0, math.Min(100, f))
}
