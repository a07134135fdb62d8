package codec

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/archesproject/semstore/domain/record"
	"github.com/archesproject/semstore/domain/schema"
)

// Built-in datatype names.
const (
	DatatypeString             = "string"
	DatatypeNonLocalizedString = "non-localized-string"
	DatatypeNumber             = "number"
	DatatypeBoolean            = "boolean"
	DatatypeDate               = "date"
	DatatypeURL                = "url"
	DatatypeConcept            = "concept"
	DatatypeConceptList        = "concept-list"
	DatatypeEntityRef          = "entity-ref"
	DatatypeEntityRefList      = "entity-ref-list"
	DatatypeFileList           = "file-list"
)

// Wire-form keys.
const (
	keyValue     = "value"
	keyDirection = "direction"

	// RefEntityID addresses the referenced entity inside an entity-ref
	// wire value.
	RefEntityID = "entityId"
	// RefRecordID is the transient back-reference row id maintained by
	// post-persist. It never participates in no-op detection.
	RefRecordID = "refRecordId"
	// RefDisplayValue is attached by display decoding.
	RefDisplayValue = "displayValue"
)

// localizedMetadataKeys are file-list metadata fields stored per language.
var localizedMetadataKeys = map[string]bool{
	"altText":     true,
	"attribution": true,
	"description": true,
	"title":       true,
}

var dateLayouts = []string{"2006-01-02", time.RFC3339, "2006-01-02T15:04:05"}

func registerBuiltins(r *Registry) {
	r.Register(stringHooks())
	r.Register(nonLocalizedStringHooks())
	r.Register(numberHooks())
	r.Register(booleanHooks())
	r.Register(dateHooks())
	r.Register(urlHooks())
	r.Register(conceptHooks())
	r.Register(conceptListHooks())
	r.Register(entityRefHooks())
	r.Register(entityRefListHooks())
	r.Register(fileListHooks())
}

// configLanguage returns the language a bare string should land under.
func configLanguage(cfg map[string]any) string {
	if cfg != nil {
		if lang, ok := cfg["language"].(string); ok && lang != "" {
			return lang
		}
	}
	return "en"
}

// stringHooks implements the localized string datatype. The wire form is a
// map of language code to {value, direction}; merging overlays incoming
// languages onto existing ones so a single-language edit never wipes out
// the other translations.
func stringHooks() Hooks {
	return Hooks{
		Datatype: DatatypeString,
		Encode: func(value any, cfg map[string]any) (any, error) {
			switch v := value.(type) {
			case string:
				return map[string]any{
					configLanguage(cfg): map[string]any{keyValue: v, keyDirection: "ltr"},
				}, nil
			case map[string]any:
				return v, nil
			default:
				return nil, fmt.Errorf("expected string or language map, got %T", value)
			}
		},
		Merge: func(existing, incoming any) any {
			base, ok := existing.(map[string]any)
			if !ok {
				return incoming
			}
			overlay, ok := incoming.(map[string]any)
			if !ok {
				return incoming
			}
			merged := make(map[string]any, len(base)+len(overlay))
			for lang, v := range base {
				merged[lang] = v
			}
			for lang, v := range overlay {
				merged[lang] = v
			}
			return merged
		},
		Clean: func(raw any) any {
			langs, ok := raw.(map[string]any)
			if !ok {
				return raw
			}
			for _, entry := range langs {
				if inner, ok := entry.(map[string]any); ok {
					if s, _ := inner[keyValue].(string); s != "" {
						return raw
					}
				}
			}
			return nil
		},
		Validate: func(raw any, _ *schema.Node) []string {
			langs, ok := raw.(map[string]any)
			if !ok {
				return []string{"localized string must map language codes to values"}
			}
			for lang, entry := range langs {
				if _, ok := entry.(map[string]any); !ok {
					return []string{fmt.Sprintf("language %q entry must be an object", lang)}
				}
			}
			return nil
		},
		DecodeDisplay: func(raw any, _ *DisplayContext) any {
			return localizedValue(raw, "en")
		},
	}
}

// localizedValue picks the preferred language's plain value from a
// localized map, falling back to any populated language.
func localizedValue(raw any, preferred string) any {
	langs, ok := raw.(map[string]any)
	if !ok {
		return raw
	}
	if entry, ok := langs[preferred].(map[string]any); ok {
		if v, ok := entry[keyValue]; ok {
			return v
		}
	}
	for _, entry := range langs {
		if inner, ok := entry.(map[string]any); ok {
			if v, ok := inner[keyValue]; ok {
				return v
			}
		}
	}
	return nil
}

func nonLocalizedStringHooks() Hooks {
	return Hooks{
		Datatype: DatatypeNonLocalizedString,
		Encode: func(value any, _ map[string]any) (any, error) {
			s, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("expected string, got %T", value)
			}
			return s, nil
		},
		Clean: func(raw any) any {
			if s, ok := raw.(string); ok && s == "" {
				return nil
			}
			return raw
		},
	}
}

func numberHooks() Hooks {
	return Hooks{
		Datatype: DatatypeNumber,
		Encode: func(value any, _ map[string]any) (any, error) {
			switch v := value.(type) {
			case float64:
				return v, nil
			case float32:
				return float64(v), nil
			case int:
				return float64(v), nil
			case int64:
				return float64(v), nil
			case string:
				f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
				if err != nil {
					return nil, fmt.Errorf("%q is not a number", v)
				}
				return f, nil
			default:
				return nil, fmt.Errorf("expected number, got %T", value)
			}
		},
		Validate: func(raw any, _ *schema.Node) []string {
			if _, ok := raw.(float64); !ok {
				return []string{"value is not a number"}
			}
			return nil
		},
	}
}

func booleanHooks() Hooks {
	return Hooks{
		Datatype: DatatypeBoolean,
		Encode: func(value any, _ map[string]any) (any, error) {
			switch v := value.(type) {
			case bool:
				return v, nil
			case string:
				b, err := strconv.ParseBool(strings.TrimSpace(v))
				if err != nil {
					return nil, fmt.Errorf("%q is not a boolean", v)
				}
				return b, nil
			default:
				return nil, fmt.Errorf("expected boolean, got %T", value)
			}
		},
	}
}

func dateHooks() Hooks {
	return Hooks{
		Datatype: DatatypeDate,
		Encode: func(value any, _ map[string]any) (any, error) {
			switch v := value.(type) {
			case time.Time:
				return v.Format("2006-01-02"), nil
			case string:
				for _, layout := range dateLayouts {
					if _, err := time.Parse(layout, v); err == nil {
						return v, nil
					}
				}
				return nil, fmt.Errorf("%q is not a recognized date", v)
			default:
				return nil, fmt.Errorf("expected date, got %T", value)
			}
		},
		Validate: func(raw any, _ *schema.Node) []string {
			s, ok := raw.(string)
			if !ok {
				return []string{"date must be a string"}
			}
			for _, layout := range dateLayouts {
				if _, err := time.Parse(layout, s); err == nil {
					return nil
				}
			}
			return []string{fmt.Sprintf("%q is not a recognized date", s)}
		},
		DecodeValue: func(raw any) any {
			if s, ok := raw.(string); ok {
				for _, layout := range dateLayouts {
					if t, err := time.Parse(layout, s); err == nil {
						return t
					}
				}
			}
			return raw
		},
	}
}

func urlHooks() Hooks {
	return Hooks{
		Datatype: DatatypeURL,
		Encode: func(value any, _ map[string]any) (any, error) {
			switch v := value.(type) {
			case string:
				return map[string]any{"url": v, "url_label": ""}, nil
			case map[string]any:
				if _, ok := v["url"]; !ok {
					return nil, fmt.Errorf("url value missing %q key", "url")
				}
				return v, nil
			default:
				return nil, fmt.Errorf("expected url string or object, got %T", value)
			}
		},
		Clean: func(raw any) any {
			if m, ok := raw.(map[string]any); ok {
				if s, _ := m["url"].(string); s == "" {
					return nil
				}
			}
			return raw
		},
	}
}

// normalizeTermID accepts uuid strings in any case and uuid-typed values.
func normalizeTermID(value any) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("expected term id string, got %T", value)
	}
	parsed, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("%q is not a valid term id", s)
	}
	return parsed.String(), nil
}

func conceptHooks() Hooks {
	return Hooks{
		Datatype: DatatypeConcept,
		Encode: func(value any, _ map[string]any) (any, error) {
			return normalizeTermID(value)
		},
		Validate: func(raw any, _ *schema.Node) []string {
			if _, err := normalizeTermID(raw); err != nil {
				return []string{err.Error()}
			}
			return nil
		},
		DecodeDisplay: func(raw any, dctx *DisplayContext) any {
			id, ok := raw.(string)
			if !ok || dctx == nil {
				return raw
			}
			if label, ok := dctx.TermLabels[id]; ok {
				return map[string]any{"term_id": id, "label": label}
			}
			return raw
		},
		DisplayKeys: func(raw any) ([]string, []string) {
			if id, ok := raw.(string); ok {
				return nil, []string{id}
			}
			return nil, nil
		},
	}
}

func conceptListHooks() Hooks {
	concept := conceptHooks()
	return Hooks{
		Datatype: DatatypeConceptList,
		Encode: func(value any, _ map[string]any) (any, error) {
			items, ok := value.([]any)
			if !ok {
				items = []any{value}
			}
			out := make([]any, 0, len(items))
			for _, item := range items {
				id, err := normalizeTermID(item)
				if err != nil {
					return nil, err
				}
				out = append(out, id)
			}
			return out, nil
		},
		Clean: func(raw any) any {
			if items, ok := raw.([]any); ok && len(items) == 0 {
				return nil
			}
			return raw
		},
		Validate: func(raw any, node *schema.Node) []string {
			items, ok := raw.([]any)
			if !ok {
				return []string{"value is not a list of term ids"}
			}
			var errs []string
			for _, item := range items {
				errs = append(errs, concept.Validate(item, node)...)
			}
			return errs
		},
		DecodeDisplay: func(raw any, dctx *DisplayContext) any {
			items, ok := raw.([]any)
			if !ok {
				return raw
			}
			out := make([]any, len(items))
			for i, item := range items {
				out[i] = concept.DecodeDisplay(item, dctx)
			}
			return out
		},
		DisplayKeys: func(raw any) ([]string, []string) {
			items, ok := raw.([]any)
			if !ok {
				return nil, nil
			}
			var terms []string
			for _, item := range items {
				if id, ok := item.(string); ok {
					terms = append(terms, id)
				}
			}
			return nil, terms
		},
	}
}

// normalizeRefList coerces an entity-ref value into its wire form: a list
// of reference objects keyed by RefEntityID.
func normalizeRefList(value any) ([]any, error) {
	var items []any
	switch v := value.(type) {
	case []any:
		items = v
	case map[string]any:
		items = []any{v}
	case string:
		items = []any{map[string]any{RefEntityID: v}}
	default:
		return nil, fmt.Errorf("expected entity reference, got %T", value)
	}
	out := make([]any, 0, len(items))
	for _, item := range items {
		switch inner := item.(type) {
		case map[string]any:
			if _, ok := inner[RefEntityID]; !ok {
				return nil, fmt.Errorf("entity reference missing %q", RefEntityID)
			}
			out = append(out, inner)
		case string:
			out = append(out, map[string]any{RefEntityID: inner})
		default:
			return nil, fmt.Errorf("expected entity reference object, got %T", item)
		}
	}
	return out, nil
}

func validateRefList(raw any) []string {
	items, ok := raw.([]any)
	if !ok {
		return []string{"value is not an entity reference list"}
	}
	var errs []string
	for _, item := range items {
		inner, ok := item.(map[string]any)
		if !ok {
			errs = append(errs, "entity reference must be an object")
			continue
		}
		id, _ := inner[RefEntityID].(string)
		if _, err := uuid.Parse(id); err != nil {
			errs = append(errs, fmt.Sprintf("%q is not a valid entity id", id))
		}
	}
	return errs
}

func decorateRefList(raw any, dctx *DisplayContext) any {
	items, ok := raw.([]any)
	if !ok || dctx == nil {
		return raw
	}
	out := make([]any, 0, len(items))
	for _, item := range items {
		inner, ok := item.(map[string]any)
		if !ok {
			out = append(out, item)
			continue
		}
		dup := make(map[string]any, len(inner)+1)
		for k, v := range inner {
			dup[k] = v
		}
		if id, ok := inner[RefEntityID].(string); ok {
			if label, ok := dctx.EntityLabels[id]; ok {
				dup[RefDisplayValue] = label
			}
		}
		out = append(out, dup)
	}
	return out
}

func refDisplayKeys(raw any) ([]string, []string) {
	items, ok := raw.([]any)
	if !ok {
		return nil, nil
	}
	var ids []string
	for _, item := range items {
		if inner, ok := item.(map[string]any); ok {
			if id, ok := inner[RefEntityID].(string); ok {
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

func syncRefs(ctx context.Context, side SideEffects, rec *record.Record, nodeID string) error {
	return side.SyncEntityRefs(ctx, rec, nodeID, rec.Data[nodeID])
}

// entityRefHooks implements single entity references. The wire form is a
// one-element reference list; decoding unwraps it. The persisted
// back-reference row id is transient bookkeeping, so equality ignores it.
func entityRefHooks() Hooks {
	return Hooks{
		Datatype: DatatypeEntityRef,
		Encode: func(value any, _ map[string]any) (any, error) {
			items, err := normalizeRefList(value)
			if err != nil {
				return nil, err
			}
			if len(items) > 1 {
				return nil, fmt.Errorf("entity-ref accepts a single reference, got %d", len(items))
			}
			return items, nil
		},
		Clean: func(raw any) any {
			if items, ok := raw.([]any); ok && len(items) == 0 {
				return nil
			}
			return raw
		},
		Validate: func(raw any, _ *schema.Node) []string {
			return validateRefList(raw)
		},
		DecodeValue: func(raw any) any {
			if items, ok := raw.([]any); ok && len(items) == 1 {
				return items[0]
			}
			return raw
		},
		DecodeDisplay:    decorateRefList,
		DisplayKeys:      refDisplayKeys,
		PostPersist:      syncRefs,
		IgnoredSubfields: []string{RefRecordID},
	}
}

func entityRefListHooks() Hooks {
	return Hooks{
		Datatype: DatatypeEntityRefList,
		Encode: func(value any, _ map[string]any) (any, error) {
			return normalizeRefList(value)
		},
		Clean: func(raw any) any {
			if items, ok := raw.([]any); ok && len(items) == 0 {
				return nil
			}
			return raw
		},
		Validate: func(raw any, _ *schema.Node) []string {
			return validateRefList(raw)
		},
		DecodeDisplay:    decorateRefList,
		DisplayKeys:      refDisplayKeys,
		PostPersist:      syncRefs,
		IgnoredSubfields: []string{RefRecordID},
	}
}

// fileListHooks implements file lists with localized metadata. Merging
// keeps existing localized metadata for files the incoming value also
// carries, keyed by file id, so translations survive partial edits.
func fileListHooks() Hooks {
	return Hooks{
		Datatype: DatatypeFileList,
		Encode: func(value any, cfg map[string]any) (any, error) {
			items, ok := value.([]any)
			if !ok {
				return nil, fmt.Errorf("expected file list, got %T", value)
			}
			lang := configLanguage(cfg)
			out := make([]any, 0, len(items))
			for _, item := range items {
				info, ok := item.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("file entry must be an object, got %T", item)
				}
				dup := make(map[string]any, len(info))
				for k, v := range info {
					if localizedMetadataKeys[k] {
						if _, ok := v.(map[string]any); !ok {
							v = map[string]any{
								lang: map[string]any{keyValue: v, keyDirection: "ltr"},
							}
						}
					}
					dup[k] = v
				}
				out = append(out, dup)
			}
			return out, nil
		},
		Merge: func(existing, incoming any) any {
			existingItems, ok := existing.([]any)
			if !ok {
				return incoming
			}
			incomingItems, ok := incoming.([]any)
			if !ok {
				return incoming
			}
			byID := make(map[any]map[string]any, len(existingItems))
			for _, item := range existingItems {
				if info, ok := item.(map[string]any); ok {
					byID[info["file_id"]] = info
				}
			}
			for _, item := range incomingItems {
				info, ok := item.(map[string]any)
				if !ok {
					continue
				}
				prior, ok := byID[info["file_id"]]
				if !ok {
					continue
				}
				for key := range localizedMetadataKeys {
					incomingMeta, _ := info[key].(map[string]any)
					priorMeta, _ := prior[key].(map[string]any)
					if priorMeta == nil {
						continue
					}
					merged := make(map[string]any, len(priorMeta)+len(incomingMeta))
					for lang, v := range priorMeta {
						merged[lang] = v
					}
					for lang, v := range incomingMeta {
						merged[lang] = v
					}
					info[key] = merged
				}
			}
			return incomingItems
		},
		Clean: func(raw any) any {
			if items, ok := raw.([]any); ok && len(items) == 0 {
				return nil
			}
			return raw
		},
	}
}
